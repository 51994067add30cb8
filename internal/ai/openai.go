package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIBaseURL     = "https://api.openai.com/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenAIProvider talks to any OpenAI-compatible REST API.
type OpenAIProvider struct {
	name       string
	BaseURL    string
	APIKey     string
	TextModel  string
	ImageModel string
	Referer    string
	AppTitle   string
	Client     *http.Client
}

func NewOpenAIProvider(name string, cfg Config) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &OpenAIProvider{
		name:       name,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     cfg.APIKey,
		TextModel:  cfg.TextModel,
		ImageModel: cfg.ImageModel,
		Referer:    cfg.Referer,
		AppTitle:   cfg.AppTitle,
		Client:     &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

type chatReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	model := req.Model
	if model == "" {
		model = p.TextModel
	}
	var decoded chatResp
	if err := p.post(ctx, "/chat/completions", chatReq{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, &decoded); err != nil {
		return Completion{}, err
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: %s: empty response", ErrProvider, p.name)
	}
	if decoded.Model != "" {
		model = decoded.Model
	}
	return Completion{
		Content: decoded.Choices[0].Message.Content,
		Model:   model,
		Usage:   decoded.Usage,
	}, nil
}

type imageReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
	Style  string `json:"style,omitempty"`
}

type imageResp struct {
	Data []Image `json:"data"`
}

func (p *OpenAIProvider) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	model := req.Model
	if model == "" {
		model = p.ImageModel
	}
	var decoded imageResp
	if err := p.post(ctx, "/images/generations", imageReq{
		Model:  model,
		Prompt: req.Prompt,
		N:      req.Count,
		Size:   req.Size,
		Style:  req.Style,
	}, &decoded); err != nil {
		return ImageResult{}, err
	}
	if len(decoded.Data) == 0 {
		return ImageResult{}, fmt.Errorf("%w: %s: no images returned", ErrProvider, p.name)
	}
	return ImageResult{Model: model, Images: decoded.Data}, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, body, out any) error {
	if strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("%w: %s: api key is required", ErrProvider, p.name)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.Referer != "" {
		req.Header.Set("HTTP-Referer", p.Referer)
	}
	if p.AppTitle != "" {
		req.Header.Set("X-Title", p.AppTitle)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProvider, p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(excerpt))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("%w: %s: %s", ErrProvider, p.name, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrProvider, p.name, err)
	}
	return nil
}
