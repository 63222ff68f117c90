// Package claude translates alerts with the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/roadwatch/internal/compose"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 1024
)

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"ar": "Arabic",
	"hi": "Hindi",
	"zh": "Simplified Chinese",
	"fr": "French",
	"pt": "Portuguese",
	"si": "Sinhala",
	"ta": "Tamil",
}

// Translator implements compose.Translator on top of the Anthropic SDK.
type Translator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Translator. Extra request options (base URL, HTTP client)
// are passed through to the SDK. Retries are left to the caller.
func New(apiKey, model string, opts ...option.RequestOption) *Translator {
	if model == "" {
		model = DefaultModel
	}
	base := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	return &Translator{
		client:    anthropic.NewClient(append(base, opts...)...),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

// Translate returns text rendered in lang. Every failure wraps
// compose.ErrTranslationUnavailable.
func (t *Translator) Translate(ctx context.Context, text, lang string) (string, error) {
	msg, err := t.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(t.model),
		MaxTokens: t.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt(lang)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("claude: %w: status %d", compose.ErrTranslationUnavailable, apiErr.StatusCode)
		}
		return "", fmt.Errorf("claude: %w: %w", compose.ErrTranslationUnavailable, err)
	}

	out := strings.TrimSpace(textOf(msg))
	if out == "" {
		return "", fmt.Errorf("claude: %w: empty response (stop reason %q)", compose.ErrTranslationUnavailable, msg.StopReason)
	}
	return out, nil
}

func systemPrompt(lang string) string {
	name, ok := languageNames[lang]
	if !ok {
		name = fmt.Sprintf("the language with code %q", lang)
	}
	return "You translate emergency road accident alerts for first responders. " +
		"Translate the user's message into " + name + ". " +
		"Keep emoji, numbers, coordinates, URLs, street names and line breaks unchanged. " +
		"Reply with the translation only."
}

// textOf concatenates the text blocks of a response.
func textOf(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
