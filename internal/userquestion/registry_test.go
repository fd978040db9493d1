package userquestion

import (
	"testing"
	"time"
)

func TestTakeReturnsAndClearsPending(t *testing.T) {
	r := New(time.Minute)
	now := time.Now()
	r.Set("is anyone at the door?", now)

	q, ok := r.Take(now)
	if !ok {
		t.Fatal("expected a pending question")
	}
	if q.Text != "is anyone at the door?" {
		t.Fatalf("text = %q", q.Text)
	}

	if _, ok := r.Take(now); ok {
		t.Fatal("expected Take to be at-most-one: second call should find nothing")
	}
}

func TestSetOverwritesUnconsumedQuestion(t *testing.T) {
	r := New(time.Minute)
	now := time.Now()
	r.Set("first", now)
	r.Set("second", now)

	q, ok := r.Take(now)
	if !ok || q.Text != "second" {
		t.Fatalf("expected second question to win, got %+v ok=%v", q, ok)
	}
}

func TestExpiredQuestionIsCleared(t *testing.T) {
	r := New(10 * time.Second)
	base := time.Now()
	r.Set("stale", base)

	later := base.Add(11 * time.Second)
	if r.Peek(later) {
		t.Fatal("expected expired question to report absent")
	}
	if _, ok := r.Take(later); ok {
		t.Fatal("expected Take to find nothing after expiry")
	}
}

func TestPeekTextReturnsTextWithoutConsuming(t *testing.T) {
	r := New(time.Minute)
	now := time.Now()
	r.Set("how many people", now)

	text, ok := r.PeekText(now)
	if !ok || text != "how many people" {
		t.Fatalf("PeekText = %q, %v", text, ok)
	}

	q, ok := r.Take(now)
	if !ok || q.Text != "how many people" {
		t.Fatalf("expected question still present after PeekText, got %+v ok=%v", q, ok)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	r := New(time.Minute)
	now := time.Now()
	r.Set("peekme", now)

	if !r.Peek(now) {
		t.Fatal("expected Peek to report active")
	}
	q, ok := r.Take(now)
	if !ok || q.Text != "peekme" {
		t.Fatalf("expected question still present after Peek, got %+v ok=%v", q, ok)
	}
}
