package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rgoulet/conveyor/internal/config"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// HTTPOracle talks to a chat-completion endpoint.
type HTTPOracle struct {
	endpoint string
	model    string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
}

// NewHTTPOracle builds a client from the oracle configuration.
func NewHTTPOracle(cfg config.OracleConfig) *HTTPOracle {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPOracle{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Invoke sends the request to the endpoint and parses the RESULT_ lines.
// A transport failure is returned as an error; a response that parses but
// reports failure comes back as a failed Result.
func (o *HTTPOracle) Invoke(ctx context.Context, req Request) (Result, error) {
	if o.endpoint == "" {
		return Result{}, fmt.Errorf("oracle: endpoint not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	payload, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("oracle: encode request for %s: %w", req.ItemID, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("oracle: build request for %s: %w", req.ItemID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("oracle: invoke for %s: %w", req.ItemID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("oracle: read response for %s: %w", req.ItemID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("oracle: endpoint returned %d for %s", resp.StatusCode, req.ItemID)
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("oracle: decode response for %s: %w", req.ItemID, err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("oracle: empty response for %s", req.ItemID)
	}
	return Parse(parsed.Choices[0].Message.Content), nil
}

const systemPrompt = `You process work items one step at a time. Report your result in exactly this format:

RESULT_STATUS: <done | in_progress | failed>
RESULT_SUMMARY: <1-2 sentence summary of what was done>
RESULT_OUTPUT: <the actual output or artifact produced>
RESULT_DECISIONS: <any choices or branching logic you applied>
RESULT_ERRORS: <None, or description of issues encountered>
RESULT_REMAINING: <None if done, or description of remaining work>`

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== ITEM ==\n%s: %s\n\n", req.ItemID, req.Title)
	if req.Step != "" {
		fmt.Fprintf(&b, "== CURRENT STEP ==\n%s\n\n", req.Step)
	}
	if req.Expected != "" {
		fmt.Fprintf(&b, "== EXPECTED OUTPUT ==\n%s\n\n", req.Expected)
	}
	if req.WrapUp {
		b.WriteString("== WRAP UP ==\nThe cycle budget is nearly spent. Deliver the minimal remaining work and do not open new work.\n\n")
	}
	if len(req.Context) > 0 {
		b.WriteString("== CONTEXT ==\n")
		for _, line := range req.Context {
			b.WriteString("- " + line + "\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "== CONTENT ==\n%s\n", req.Content)
	return b.String()
}
