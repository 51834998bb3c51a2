package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Backend performs a single attempt against a generative provider
type Backend interface {
	Chat(ctx context.Context, messages []models.Turn) (string, error)
	GenerateImage(ctx context.Context, opts models.ImageOptions) (*models.Image, error)
}

// OpenAI talks to an OpenAI compatible HTTP API
type OpenAI struct {
	config     *config.ModelsConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewOpenAI creates a backend for the configured endpoint. Attempt timeouts
// are applied by the caller through ctx.
func NewOpenAI(cfg *config.ModelsConfig, logger *logrus.Logger) *OpenAI {
	logger.WithFields(logrus.Fields{
		"baseURL":    cfg.BaseURL,
		"chatModel":  cfg.ChatModel,
		"imageModel": cfg.ImageModel,
	}).Info("AI backend initialized")

	return &OpenAI{
		config:     cfg,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type apiErrorBody struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

// Chat requests a chat completion for messages
func (s *OpenAI) Chat(ctx context.Context, messages []models.Turn) (string, error) {
	// Convert turns to OpenAI format
	openAIMessages := make([]map[string]string, len(messages))
	for i, msg := range messages {
		content := msg.Content
		if msg.ImageRef != "" && content == "" {
			content = fmt.Sprintf("[image: %s]", msg.ImageRef)
		}
		openAIMessages[i] = map[string]string{
			"role":    string(msg.Role),
			"content": content,
		}
	}

	reqBody := map[string]interface{}{
		"model":       s.config.ChatModel,
		"messages":    openAIMessages,
		"max_tokens":  s.config.MaxTokens,
		"temperature": s.config.Temperature,
	}

	body, err := s.post(ctx, "chat/completions", reqBody)
	if err != nil {
		return "", err
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
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("no response from AI")
	}
	return result.Choices[0].Message.Content, nil
}

// GenerateImage requests a single image for opts
func (s *OpenAI) GenerateImage(ctx context.Context, opts models.ImageOptions) (*models.Image, error) {
	reqBody := map[string]interface{}{
		"model":           s.config.ImageModel,
		"n":               1,
		"response_format": "b64_json",
		"size":            opts.Size.Dimensions(),
		"prompt":          opts.Prompt,
		"quality":         string(opts.Quality),
		"style":           string(opts.Style),
	}

	body, err := s.post(ctx, "images/generations", reqBody)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data []struct {
			RevisedPrompt string `json:"revised_prompt"`
			B64JSON       string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("provider returned no images")
	}

	data, err := base64.StdEncoding.DecodeString(result.Data[0].B64JSON)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to decode base64 image: %w", err))
	}
	return &models.Image{
		Bytes:         data,
		RevisedPrompt: result.Data[0].RevisedPrompt,
	}, nil
}

// post sends a JSON request and returns the body of a 200 response. Any
// other status becomes a *StatusError.
func (s *OpenAI) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(s.config.BaseURL, "/"), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.config.APIKey))

	s.logger.WithFields(logrus.Fields{
		"url": url,
	}).Debug("Sending AI request")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		s.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(body),
		}).Warn("AI request failed")
		return nil, newStatusError(resp, body)
	}
	return body, nil
}

func newStatusError(resp *http.Response, body []byte) *StatusError {
	se := &StatusError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		se.Message = parsed.Error.Message
		se.Type = parsed.Error.Type
		// code is a string on OpenAI and a number on some compatible servers
		var code string
		if json.Unmarshal(parsed.Error.Code, &code) == nil {
			se.Code = code
		} else if len(parsed.Error.Code) > 0 && string(parsed.Error.Code) != "null" {
			se.Code = string(parsed.Error.Code)
		}
	}
	return se
}

// parseRetryAfter understands both delta seconds and HTTP dates
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
