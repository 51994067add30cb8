package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"creative-job-scheduler/internal/ai"
	"creative-job-scheduler/internal/models"
)

// RegisterDefaults wires the handler for every job type. archiver may be nil.
func RegisterDefaults(w *Worker, provider ai.Provider, archiver *Archiver) {
	w.RegisterHandler(models.TypeTextGeneration, TextHandler(provider))
	w.RegisterHandler(models.TypeImageGeneration, NewImageHandler(provider, archiver).Handle)
	placeholder := PlaceholderHandler(func() time.Time { return time.Now().UTC() })
	for _, t := range []models.JobType{
		models.TypeVideoCreation,
		models.TypeMusicComposition,
		models.Type3DModeling,
		models.TypeGraphicDesign,
	} {
		w.RegisterHandler(t, placeholder)
	}
}

// TextHandler generates text through provider.
func TextHandler(provider ai.Provider) Handler {
	return func(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
		payload, ok := job.Payload.(models.TextPayload)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T for %s", job.Payload, job.Type)
		}
		report(10)
		completion, err := provider.Complete(ctx, ai.CompletionRequest{
			Model:       payload.Model,
			Messages:    textMessages(payload),
			Temperature: payload.Temperature,
			MaxTokens:   payload.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		report(90)
		return map[string]any{
			"content":  completion.Content,
			"model":    completion.Model,
			"provider": provider.Name(),
			"usage": map[string]any{
				"prompt_tokens":     completion.Usage.PromptTokens,
				"completion_tokens": completion.Usage.CompletionTokens,
				"total_tokens":      completion.Usage.TotalTokens,
			},
		}, nil
	}
}

func textMessages(p models.TextPayload) []ai.Message {
	system := "You are a helpful writing assistant."
	if p.UseCase != "" {
		system = fmt.Sprintf("You are a helpful writing assistant producing %s content.", p.UseCase)
	}

	var user strings.Builder
	if p.Prompt != "" {
		user.WriteString(p.Prompt)
	} else {
		fmt.Fprintf(&user, "Write %s content.", p.UseCase)
	}
	if len(p.Choices) > 0 {
		keys := make([]string, 0, len(p.Choices))
		for k := range p.Choices {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		user.WriteString("\n\nRequirements:")
		for _, k := range keys {
			fmt.Fprintf(&user, "\n- %s: %v", k, p.Choices[k])
		}
	}
	return []ai.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}
}

// PlaceholderHandler completes job types that have no generation backend yet
// with an empty artifact description.
func PlaceholderHandler(now func() time.Time) Handler {
	return func(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prompt := ""
		if job.Payload != nil {
			prompt = job.Payload.PromptText()
		}
		report(50)
		return map[string]any{
			"url":   "",
			"files": []string{},
			"metadata": map[string]any{
				"job_type":     string(job.Type),
				"prompt":       prompt,
				"placeholder":  true,
				"generated_at": now().Format(time.RFC3339),
			},
		}, nil
	}
}
