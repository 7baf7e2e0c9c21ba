package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"perpagent/config"

	"github.com/rs/zerolog"
)

// Provider AI provider type
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderDeepSeek   Provider = "deepseek"
	ProviderQwen       Provider = "qwen"
	ProviderGroq       Provider = "groq"
	ProviderCustom     Provider = "custom"
)

// StatusError non-200 response from the provider
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned error (status %d): %s", e.Code, e.Body)
}

// StatusCode extracts the HTTP status from err, 0 if it is not a StatusError
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Client OpenAI-compatible chat completions client
type Client struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	UseFullURL bool // post to BaseURL as-is instead of appending /chat/completions
	httpClient *http.Client
	clientOnce sync.Once
	log        zerolog.Logger
}

// New creates a client with the OpenRouter defaults and no key
func New(log zerolog.Logger) *Client {
	return &Client{
		Provider: ProviderOpenRouter,
		BaseURL:  "https://openrouter.ai/api/v1",
		Model:    "anthropic/claude-3.5-sonnet",
		Timeout:  30 * time.Second,
		log:      log,
	}
}

// NewFromConfig creates a client for the configured provider
func NewFromConfig(cfg config.AdvisorConfig, log zerolog.Logger) *Client {
	c := New(log)
	switch Provider(cfg.Provider) {
	case ProviderDeepSeek:
		c.SetDeepSeekAPIKey(cfg.APIKey)
	case ProviderQwen:
		c.SetQwenAPIKey(cfg.APIKey)
	case ProviderGroq:
		c.SetGroqAPIKey(cfg.APIKey, cfg.Model)
	case ProviderCustom:
		c.SetCustomAPI(cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		c.SetOpenRouterAPIKey(cfg.APIKey, cfg.Model)
	}
	if cfg.BaseURL != "" && Provider(cfg.Provider) != ProviderCustom {
		c.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.Model != "" {
		c.Model = cfg.Model
	}
	if cfg.TimeoutSeconds > 0 {
		c.Timeout = cfg.Timeout()
	}
	return c
}

// SetOpenRouterAPIKey sets the OpenRouter API key
func (c *Client) SetOpenRouterAPIKey(apiKey, model string) {
	c.Provider = ProviderOpenRouter
	c.APIKey = apiKey
	c.BaseURL = "https://openrouter.ai/api/v1"
	if model != "" {
		c.Model = model
	}
}

// SetDeepSeekAPIKey sets the DeepSeek API key
func (c *Client) SetDeepSeekAPIKey(apiKey string) {
	c.Provider = ProviderDeepSeek
	c.APIKey = apiKey
	c.BaseURL = "https://api.deepseek.com/v1"
	c.Model = "deepseek-chat"
}

// SetQwenAPIKey sets the Alibaba Qwen API key (compatible mode)
func (c *Client) SetQwenAPIKey(apiKey string) {
	c.Provider = ProviderQwen
	c.APIKey = apiKey
	c.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	c.Model = "qwen-plus"
}

// SetGroqAPIKey sets the Groq API key
func (c *Client) SetGroqAPIKey(apiKey, model string) {
	c.Provider = ProviderGroq
	c.APIKey = apiKey
	c.BaseURL = "https://api.groq.com/openai/v1"
	if model == "" {
		c.Model = "llama-3.1-70b-versatile"
	} else {
		c.Model = model
	}
}

// SetCustomAPI sets a custom OpenAI-compatible endpoint.
// A trailing "#" on apiURL means the URL is used verbatim.
func (c *Client) SetCustomAPI(apiURL, apiKey, modelName string) {
	c.Provider = ProviderCustom
	c.APIKey = apiKey
	if strings.HasSuffix(apiURL, "#") {
		c.BaseURL = strings.TrimSuffix(apiURL, "#")
		c.UseFullURL = true
	} else {
		c.BaseURL = strings.TrimSuffix(apiURL, "/")
		c.UseFullURL = false
	}
	c.Model = modelName
}

// Configured reports whether a key is present
func (c *Client) Configured() bool {
	return c.APIKey != ""
}

// Advise sends one system + user prompt exchange and returns the reply text.
// There is no retry: callers fall back to technical analysis on any error.
func (c *Client) Advise(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("AI API key not set")
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	content, err := c.complete(ctx, systemPrompt, userPrompt, 0.5, 4000)
	if err != nil {
		c.log.Warn().Err(err).Str("provider", string(c.Provider)).Dur("elapsed", time.Since(start)).Msg("⚠️  AI API call failed")
		return "", err
	}
	c.log.Debug().Str("provider", string(c.Provider)).Dur("elapsed", time.Since(start)).Int("chars", len(content)).Msg("✓ AI API responded")
	return content, nil
}

// Ping sends a tiny prompt to verify key, model and reachability
func (c *Client) Ping(ctx context.Context) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("AI API key not set")
	}
	reply, err := c.complete(ctx, "", "Reply with only the word OK", 0, 5)
	return strings.TrimSpace(reply), err
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error) {
	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{
			"role":    "system",
			"content": systemPrompt,
		})
	}
	messages = append(messages, map[string]string{
		"role":    "user",
		"content": userPrompt,
	})

	requestBody := map[string]interface{}{
		"model":       c.Model,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.BaseURL
	if !c.UseFullURL {
		url = fmt.Sprintf("%s/chat/completions", c.BaseURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("API returned empty response")
	}
	return result.Choices[0].Message.Content, nil
}

// client builds the pooled keep-alive HTTP client once; per-call deadlines come from ctx
func (c *Client) client() *http.Client {
	c.clientOnce.Do(func() {
		if c.httpClient != nil {
			return
		}
		transport := &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		c.httpClient = &http.Client{Transport: transport}
	})
	return c.httpClient
}
