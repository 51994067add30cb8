package ai

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// SyntheticProvider returns deterministic output without network access. It
// stands in for a real provider when no API key is configured.
type SyntheticProvider struct {
	textModel  string
	imageModel string
}

func NewSyntheticProvider(textModel, imageModel string) *SyntheticProvider {
	if textModel == "" {
		textModel = "synthetic-text"
	}
	if imageModel == "" {
		imageModel = "synthetic-image"
	}
	return &SyntheticProvider{textModel: textModel, imageModel: imageModel}
}

func (p *SyntheticProvider) Name() string { return "synthetic" }

func (p *SyntheticProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	content := fmt.Sprintf("[synthetic] %s", strings.TrimSpace(last))
	promptTokens := wordCount(req.Messages)
	completionTokens := len(strings.Fields(content))
	model := req.Model
	if model == "" {
		model = p.textModel
	}
	return Completion{
		Content: content,
		Model:   model,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func (p *SyntheticProvider) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return ImageResult{}, err
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	size := req.Size
	if size == "" {
		size = "1024x1024"
	}
	sum := sha1.Sum([]byte(req.Prompt))
	seed := hex.EncodeToString(sum[:6])
	images := make([]Image, 0, count)
	for i := 0; i < count; i++ {
		images = append(images, Image{
			URL:           fmt.Sprintf("https://placehold.co/%s?text=%s-%d", size, seed, i+1),
			RevisedPrompt: req.Prompt,
		})
	}
	model := req.Model
	if model == "" {
		model = p.imageModel
	}
	return ImageResult{Model: model, Images: images}, nil
}

func wordCount(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}
