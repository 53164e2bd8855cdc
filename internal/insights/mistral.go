package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/indraafito/EcoTrade-sub000/internal/retry"
)

const (
	defaultBaseURL     = "https://api.mistral.ai"
	conversationPath   = "/v1/conversations"
	defaultHTTPTimeout = 30 * time.Second
)

// ErrNotConfigured is returned when no API key or agent is set.
var ErrNotConfigured = errors.New("mistral not configured")

// Client calls a Mistral agent through the conversations API.
type Client struct {
	apiKey  string
	agentID string
	baseURL string
	http    *http.Client
}

// NewClient returns a Client. A blank baseURL uses the public endpoint.
func NewClient(apiKey, agentID, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		agentID: agentID,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Enabled reports whether the client has credentials.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != "" && c.agentID != ""
}

type conversationRequest struct {
	AgentID string `json:"agent_id"`
	Inputs  string `json:"inputs"`
}

type conversationResponse struct {
	ID      string `json:"id"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Outputs []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"outputs"`
}

// firstText returns the first non-empty text in the reply. Output content is
// either a plain string or a list of typed chunks.
func (r *conversationResponse) firstText() string {
	if r.Message.Content != "" {
		return r.Message.Content
	}
	for _, out := range r.Outputs {
		var s string
		if err := json.Unmarshal(out.Content, &s); err == nil && s != "" {
			return s
		}
		var chunks []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(out.Content, &chunks); err == nil {
			for _, ch := range chunks {
				if ch.Text != "" {
					return ch.Text
				}
			}
		}
	}
	return ""
}

// Ask sends prompt to the agent and returns its text reply.
func (c *Client) Ask(ctx context.Context, prompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(conversationRequest{AgentID: c.agentID, Inputs: prompt}); err != nil {
		return "", fmt.Errorf("encode conversation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+conversationPath, &buf)
	if err != nil {
		return "", fmt.Errorf("build conversation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", &retry.StatusError{Op: "mistral conversation", Status: resp.StatusCode}
	}

	var out conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode conversation: %w", err)
	}
	text := out.firstText()
	if text == "" {
		return "", retry.ErrNoData
	}
	return text, nil
}
