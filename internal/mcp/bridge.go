// Package mcp is a thin client for the external camera-control
// service the scheduler consults when a scene result or sentry policy
// calls for it (component F).
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
)

var log = logging.L("mcp")

const defaultTimeout = 10 * time.Second

// Bridge implements the scheduler's MCPBridge contract.
type Bridge struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Bridge{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	ImagePath    string `json:"image_path"`
	UserQuestion string `json:"user_question"`
}

type analyzeResponse struct {
	Success    bool           `json:"success"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	Reason     string         `json:"reason"`
	Result     string         `json:"result"`
	AIResponse string         `json:"ai_response"`
}

// Invoke calls POST /analyze on the external service. Per spec.md
// §4.F, connection/HTTP failures never propagate as an error here:
// they are folded into a success=false MCPResult with a diagnostic
// Result string, so the parent inference always closes cleanly.
func (b *Bridge) Invoke(ctx context.Context, imagePath, userQuestion string) *types.MCPResult {
	body, err := json.Marshal(analyzeRequest{ImagePath: imagePath, UserQuestion: userQuestion})
	if err != nil {
		return failure(fmt.Sprintf("marshal request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		log.Warn("mcp bridge call failed", "error", err)
		return failure(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return failure(fmt.Sprintf("status %d: %s", resp.StatusCode, string(snippet)))
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failure(fmt.Sprintf("decode response: %v", err))
	}

	return &types.MCPResult{
		Success:    out.Success,
		ToolName:   out.ToolName,
		Arguments:  out.Arguments,
		Reason:     out.Reason,
		Result:     out.Result,
		AIResponse: out.AIResponse,
	}
}

func failure(diagnostic string) *types.MCPResult {
	return &types.MCPResult{Success: false, Result: diagnostic}
}
