// Package gemini calls the Gemini generateContent REST endpoint for
// advisory plan text and review feedback.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"planbot/internal/collab"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-pro"
)

type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type Client struct {
	cfg Config
	api collab.JSONClient
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	key := cfg.APIKey
	return &Client{
		cfg: cfg,
		api: collab.JSONClient{
			Service:  "gemini",
			BaseURL:  cfg.BaseURL,
			HTTP:     &http.Client{Timeout: timeout},
			Decorate: func(req *http.Request) { req.Header.Set("x-goog-api-key", key) },
		},
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateReq struct {
	Contents         []content `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type generateResp struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", fmt.Errorf("gemini: api key not set: %w", collab.ErrUnavailable)
	}
	var req generateReq
	req.Contents = []content{{Role: "user", Parts: []part{{Text: prompt}}}}
	req.GenerationConfig.Temperature = c.cfg.Temperature
	req.GenerationConfig.MaxOutputTokens = c.cfg.MaxTokens

	var resp generateResp
	path := "/models/" + url.PathEscape(c.cfg.Model) + ":generateContent"
	if err := c.api.Do(ctx, "generate", http.MethodPost, path, nil, req, &resp); err != nil {
		return "", err
	}
	if r := resp.PromptFeedback.BlockReason; r != "" {
		return "", collab.Errorf("gemini", "generate", "prompt blocked: %s", r)
	}
	if len(resp.Candidates) == 0 {
		return "", collab.Errorf("gemini", "generate", "no candidates")
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}
