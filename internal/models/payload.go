package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownType    = errors.New("unknown job type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Payload is the per-type parameter set of a job. Each JobType has exactly one
// variant with a static schema.
type Payload interface {
	JobType() JobType
	Validate() error
	// PromptText is the primary instruction forwarded to a generation provider.
	PromptText() string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// TextPayload drives text_generation jobs.
type TextPayload struct {
	UseCase     string         `json:"useCase,omitempty"`
	Choices     map[string]any `json:"choices,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	Model       string         `json:"model,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

func (TextPayload) JobType() JobType { return TypeTextGeneration }

func (p TextPayload) PromptText() string { return p.Prompt }

func (p TextPayload) Validate() error {
	if strings.TrimSpace(p.UseCase) == "" && strings.TrimSpace(p.Prompt) == "" {
		return invalid("useCase or prompt is required")
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return invalid("temperature must be between 0 and 2")
	}
	if p.MaxTokens < 0 || p.MaxTokens > 8192 {
		return invalid("max_tokens must be between 1 and 8192")
	}
	return nil
}

// ImagePayload drives image_generation jobs.
type ImagePayload struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"`
	Style  string `json:"style,omitempty"`
	Count  int    `json:"count,omitempty"`
}

var imageSizes = map[string]bool{
	"256x256":   true,
	"512x512":   true,
	"1024x1024": true,
	"1024x1792": true,
	"1792x1024": true,
}

func (ImagePayload) JobType() JobType { return TypeImageGeneration }

func (p ImagePayload) PromptText() string { return p.Prompt }

func (p ImagePayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return invalid("prompt is required")
	}
	if p.Size != "" && !imageSizes[p.Size] {
		return invalid("unsupported size %q", p.Size)
	}
	if p.Count < 0 || p.Count > 4 {
		return invalid("count must be between 1 and 4")
	}
	return nil
}

// VideoPayload drives video_creation jobs.
type VideoPayload struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
}

func (VideoPayload) JobType() JobType { return TypeVideoCreation }

func (p VideoPayload) PromptText() string { return p.Prompt }

func (p VideoPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return invalid("prompt is required")
	}
	if p.DurationSeconds < 0 || p.DurationSeconds > 300 {
		return invalid("duration_seconds must be between 1 and 300")
	}
	return nil
}

// MusicPayload drives music_composition jobs.
type MusicPayload struct {
	Prompt          string `json:"prompt"`
	Genre           string `json:"genre,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func (MusicPayload) JobType() JobType { return TypeMusicComposition }

func (p MusicPayload) PromptText() string { return p.Prompt }

func (p MusicPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return invalid("prompt is required")
	}
	if p.DurationSeconds < 0 || p.DurationSeconds > 600 {
		return invalid("duration_seconds must be between 1 and 600")
	}
	return nil
}

// ModelPayload drives 3d_modeling jobs.
type ModelPayload struct {
	Prompt string `json:"prompt"`
	Format string `json:"format,omitempty"`
}

var modelFormats = map[string]bool{"glb": true, "obj": true, "fbx": true, "usdz": true}

func (ModelPayload) JobType() JobType { return Type3DModeling }

func (p ModelPayload) PromptText() string { return p.Prompt }

func (p ModelPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return invalid("prompt is required")
	}
	if p.Format != "" && !modelFormats[strings.ToLower(p.Format)] {
		return invalid("unsupported format %q", p.Format)
	}
	return nil
}

// DesignPayload drives graphic_design jobs.
type DesignPayload struct {
	Prompt string `json:"prompt"`
	Format string `json:"format,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

var designFormats = map[string]bool{"png": true, "svg": true, "pdf": true}

func (DesignPayload) JobType() JobType { return TypeGraphicDesign }

func (p DesignPayload) PromptText() string { return p.Prompt }

func (p DesignPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return invalid("prompt is required")
	}
	if p.Format != "" && !designFormats[strings.ToLower(p.Format)] {
		return invalid("unsupported format %q", p.Format)
	}
	for _, dim := range []int{p.Width, p.Height} {
		if dim != 0 && (dim < 16 || dim > 8192) {
			return invalid("width and height must be between 16 and 8192")
		}
	}
	return nil
}

func newPayload(t JobType) (Payload, error) {
	switch t {
	case TypeTextGeneration:
		return &TextPayload{}, nil
	case TypeImageGeneration:
		return &ImagePayload{}, nil
	case TypeVideoCreation:
		return &VideoPayload{}, nil
	case TypeMusicComposition:
		return &MusicPayload{}, nil
	case Type3DModeling:
		return &ModelPayload{}, nil
	case TypeGraphicDesign:
		return &DesignPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}
}

// DecodePayload parses raw JSON into the variant for t, rejecting unknown
// fields, and validates it. The returned value is the dereferenced variant.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	target, err := newPayload(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, invalid("%v", err)
	}
	p := deref(target)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPayload decodes a payload read back from storage. Unlike DecodePayload
// it neither rejects unknown fields nor validates.
func LoadPayload(t JobType, raw []byte) (Payload, error) {
	target, err := newPayload(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return deref(target), nil
}

// PayloadFromMap is DecodePayload for an already-parsed JSON object.
func PayloadFromMap(t JobType, m map[string]any) (Payload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return DecodePayload(t, raw)
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *TextPayload:
		return *v
	case *ImagePayload:
		return *v
	case *VideoPayload:
		return *v
	case *MusicPayload:
		return *v
	case *ModelPayload:
		return *v
	case *DesignPayload:
		return *v
	default:
		return p
	}
}
