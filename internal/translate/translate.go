// Package translate combines translators. A Chain asks each backend in turn
// and returns the first usable answer, so a model-backed translator can fall
// back to the built-in phrasebook.
package translate

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/roadwatch/internal/compose"
)

// Chain is a compose.Translator that tries its members in order.
type Chain struct {
	members []compose.Translator
}

// NewChain builds a Chain, skipping nil members.
func NewChain(members ...compose.Translator) *Chain {
	c := &Chain{}
	for _, m := range members {
		if m != nil {
			c.members = append(c.members, m)
		}
	}
	return c
}

// Len returns the number of members.
func (c *Chain) Len() int { return len(c.members) }

// Translate returns the first successful translation. When every member
// fails the joined errors are returned wrapped in
// compose.ErrTranslationUnavailable. Context cancellation stops the chain.
func (c *Chain) Translate(ctx context.Context, text, lang string) (string, error) {
	if len(c.members) == 0 {
		return "", fmt.Errorf("%w: no translators", compose.ErrTranslationUnavailable)
	}
	var errs []error
	for _, m := range c.members {
		out, err := m.Translate(ctx, text, lang)
		if err == nil {
			return out, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("%w: %w", compose.ErrTranslationUnavailable, errors.Join(errs...))
}
