// Package compose builds the canonical alert for an incident and fans it out
// to translated variants, one per configured language.
package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// ErrTranslationUnavailable is returned by translators that cannot produce
// a translation right now, or at all, for the requested language.
var ErrTranslationUnavailable = errors.New("translation unavailable")

// Translator turns canonical text into lang.
type Translator interface {
	Translate(ctx context.Context, text, lang string) (string, error)
}

// Config controls composition.
type Config struct {
	Languages   []string
	Fallback    bool // send the canonical text when a translation fails
	Concurrency int
	Timeout     time.Duration // per translation
}

// DefaultConfig returns the stock language set.
func DefaultConfig() Config {
	return Config{
		Languages:   []string{"en", "es", "ar", "hi", "zh"},
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Rendered is one language variant ready for dispatch.
type Rendered struct {
	Language string
	Text     string
	Fallback bool
}

// Failure records a language whose translation failed.
type Failure struct {
	Language string
	Err      error
}

// Note formats the failure for the incident audit trail.
func (f Failure) Note() string {
	return fmt.Sprintf("translation_failed: %s: %v", f.Language, f.Err)
}

// Result is the output of Compose. Messages follow the requested language
// order, minus failed languages unless fallback is on.
type Result struct {
	Canonical string
	Messages  []Rendered
	Failed    []Failure
}

// Composer renders and translates alerts.
type Composer struct {
	tr     Translator
	cfg    Config
	logger log.Logger
}

// New creates a Composer. tr may be nil, in which case every non-canonical
// language fails.
func New(tr Translator, cfg Config, logger log.Logger) *Composer {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{CanonicalLanguage}
	}
	return &Composer{tr: tr, cfg: cfg, logger: logger}
}

// Languages returns the configured language set.
func (c *Composer) Languages() []string {
	return append([]string(nil), c.cfg.Languages...)
}

// Compose renders inc in every language of langs (the configured set when
// langs is empty). Translations run concurrently and never block each other.
func (c *Composer) Compose(ctx context.Context, inc *incident.Incident, langs []string) Result {
	if len(langs) == 0 {
		langs = c.cfg.Languages
	}
	langs = normalize(langs)
	canonical := Canonical(inc)

	type outcome struct {
		text string
		err  error
	}
	outcomes := make([]outcome, len(langs))

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, lang := range langs {
		if lang == CanonicalLanguage {
			outcomes[i] = outcome{text: canonical}
			continue
		}
		g.Go(func() error {
			text, err := c.translate(ctx, canonical, lang)
			outcomes[i] = outcome{text: text, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Canonical: canonical}
	for i, lang := range langs {
		o := outcomes[i]
		if o.err == nil {
			res.Messages = append(res.Messages, Rendered{Language: lang, Text: o.text})
			continue
		}
		res.Failed = append(res.Failed, Failure{Language: lang, Err: o.err})
		c.logger.Warn(ctx, "translation failed", "incident_id", inc.ID, "language", lang, "err", o.err)
		if c.cfg.Fallback {
			res.Messages = append(res.Messages, Rendered{Language: lang, Text: canonical, Fallback: true})
		}
	}
	return res
}

func (c *Composer) translate(ctx context.Context, text, lang string) (string, error) {
	if c.tr == nil {
		return "", fmt.Errorf("%w: no translator configured", ErrTranslationUnavailable)
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	out, err := c.tr.Translate(ctx, text, lang)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: empty translation", ErrTranslationUnavailable)
	}
	return out, nil
}

// normalize lowercases, trims and de-duplicates language codes, keeping the
// first occurrence order.
func normalize(langs []string) []string {
	seen := make(map[string]bool, len(langs))
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
