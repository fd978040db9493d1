// Package vlm talks to the multimodal chat-completions endpoint that
// actually looks at the media and produces a SceneResult (component
// E).
package vlm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
)

var log = logging.L("vlm")

// ErrParse marks a response that failed JSON parsing. Wrapped via
// %w so callers can distinguish it from a transient transport error.
var ErrParse = errors.New("vlm: malformed response")

const (
	defaultPromptSystem = "You are a video monitoring assistant. Describe the scene, count people and vehicles, and respond in the requested JSON schema."
	defaultPromptUser   = "Analyze this media. If a question is attached, answer it directly in the response field."
)

// Config configures the client's target endpoint, model, and prompts.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string

	PromptSystem string
	PromptUser   string

	HTTPClient *http.Client
}

// Client implements the scheduler's VLMClient contract.
type Client struct {
	cfg    Config
	oai    *openai.Client
	httpc  *http.Client
}

func New(cfg Config) *Client {
	if cfg.PromptSystem == "" {
		cfg.PromptSystem = defaultPromptSystem
	}
	if cfg.PromptUser == "" {
		cfg.PromptUser = defaultPromptUser
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}

	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	oaiCfg.HTTPClient = cfg.HTTPClient

	return &Client{
		cfg:   cfg,
		oai:   openai.NewClientWithConfig(oaiCfg),
		httpc: cfg.HTTPClient,
	}
}

// Analyze implements spec.md §4.E: encode the artifact's media into a
// multimodal chat request, send it, and parse the response into a
// SceneResult, any non-JSON prelude prose, and any attached MCP tool
// intent.
func (c *Client) Analyze(ctx context.Context, media *types.MediaArtifact, question string) (raw, prelude string, scene *types.SceneResult, mcp *types.MCPResult, err error) {
	userText := c.cfg.PromptUser
	if question != "" {
		userText = fmt.Sprintf("%s\n\nUser question: %s", userText, question)
	}

	switch media.Kind {
	case types.MediaVideo:
		raw, err = c.analyzeVideo(ctx, media.VideoPath, userText)
	default:
		raw, err = c.analyzeImage(ctx, media.ImagePath, userText)
	}
	if err != nil {
		return "", "", nil, nil, err
	}

	scene, prelude, mcp, err = parseResponse(raw)
	return raw, prelude, scene, mcp, err
}

func (c *Client) analyzeImage(ctx context.Context, path, userText string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("vlm: read image: %w", err)
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)

	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.cfg.PromptSystem},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
					{Type: openai.ChatMessagePartTypeText, Text: userText},
				},
			},
		},
	}

	resp, err := c.oai.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("vlm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vlm: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// analyzeVideo bypasses go-openai's typed request: ChatMessagePart
// only ever marshals an "image_url" key, and the upstream endpoint
// expects a "video_url" part for MP4 media. A package-local mirror of
// the same JSON shape is posted directly, reusing the same
// http.Client/base URL/API key go-openai would have used.
func (c *Client) analyzeVideo(ctx context.Context, path, userText string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("vlm: read video: %w", err)
	}
	dataURL := "data:video/mp4;base64," + base64.StdEncoding.EncodeToString(data)

	resp, err := postVideoChatCompletion(ctx, c.httpc, c.cfg.BaseURL, c.cfg.APIKey, videoChatRequest{
		Model: c.cfg.Model,
		Messages: []videoChatMessage{
			{Role: "system", Content: c.cfg.PromptSystem},
			{Role: "user", Content: []videoChatPart{
				{Type: "video_url", VideoURL: &videoChatMediaURL{URL: dataURL}},
				{Type: "text", Text: userText},
			}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("vlm: video chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vlm: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
