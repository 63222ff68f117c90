// Package cfg holds roadwatch's application flags and projects them into the
// option structs of the packages they configure.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/compose"
	"github.com/linnemanlabs/roadwatch/internal/cooldown"
	"github.com/linnemanlabs/roadwatch/internal/dedup"
	"github.com/linnemanlabs/roadwatch/internal/dispatch"
	"github.com/linnemanlabs/roadwatch/internal/geo/nominatim"
	"github.com/linnemanlabs/roadwatch/internal/notify/natsbus"
	"github.com/linnemanlabs/roadwatch/internal/pipeline"
	"github.com/linnemanlabs/roadwatch/internal/scoring"
)

// Config adds roadwatch-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	EnvFile               string

	// scoring and incident lifecycle
	AcceptThreshold float64
	MediumAt        float64
	HighAt          float64
	CriticalAt      float64
	ConfirmAbove    float64
	CellMeters      float64
	MergeWindow     time.Duration
	SourceWindow    time.Duration
	CooldownWindow  time.Duration

	// pipeline
	Workers   int
	QueueSize int
	GeoWait   time.Duration

	// composition and dispatch
	Languages           string
	TranslationFallback bool
	TranslateTimeout    time.Duration
	RetryMaxAttempts    int
	RetryInitial        time.Duration
	RetryMax            time.Duration
	AttemptTimeout      time.Duration
	DispatchWorkers     int

	// channels
	SlackWebhookURL      string
	SlackRecipients      string
	TelegramBotToken     string
	TelegramRecipients   string
	TelegramLocationPins bool
	NATSURL              string
	NATSSubjects         string
	NATSFrameSubject     string
	NATSQueueGroup       string

	// enrichment
	ClaudeAPIKey         string
	ClaudeModel          string
	Geocode              bool
	NominatimURL         string
	NominatimUserAgent   string
	NominatimMaxDistance float64
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	GeoCacheTTL          time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	sc := scoring.DefaultConfig()
	dc := dedup.DefaultConfig()
	pc := pipeline.DefaultConfig()
	rp := dispatch.DefaultRetryPolicy()

	fs.IntVar(&c.DrainSeconds, "drain-seconds", 20, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 60, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 (empty = open)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.EnvFile, "env-file", ".env", "dotenv file loaded before reading ROADWATCH_* variables, skipped when missing")

	fs.Float64Var(&c.AcceptThreshold, "accept-threshold", sc.AcceptThreshold, "minimum candidate score that opens or updates an incident (0..1)")
	fs.Float64Var(&c.MediumAt, "severity-medium-at", sc.MediumAt, "score at which severity becomes medium (0..1)")
	fs.Float64Var(&c.HighAt, "severity-high-at", sc.HighAt, "score at which severity becomes high (0..1)")
	fs.Float64Var(&c.CriticalAt, "severity-critical-at", sc.CriticalAt, "score at which severity becomes critical (0..1)")
	fs.Float64Var(&c.ConfirmAbove, "confirm-above", pc.ConfirmAbove, "score above which a pending incident is confirmed (0..1)")
	fs.Float64Var(&c.CellMeters, "cluster-cell-meters", dc.CellMeters, "grid cell size used to cluster nearby detections")
	fs.DurationVar(&c.MergeWindow, "merge-window", dc.MergeWindow, "how long after its last frame an open incident absorbs new frames")
	fs.DurationVar(&c.SourceWindow, "source-window", dc.SourceWindow, "merge window for frames without coordinates, keyed by source")
	fs.DurationVar(&c.CooldownWindow, "cooldown", cooldown.DefaultWindow, "minimum spacing between alerts for the same incident and channel")

	fs.IntVar(&c.Workers, "workers", 4, "frame queue consumers (1..256)")
	fs.IntVar(&c.QueueSize, "queue-size", pc.QueueSize, "frame queue capacity")
	fs.DurationVar(&c.GeoWait, "geo-wait", pc.GeoWait, "how long an alert round waits for a pending address lookup")

	fs.StringVar(&c.Languages, "languages", "en,es,ar,hi,zh", "comma separated alert languages")
	fs.BoolVar(&c.TranslationFallback, "translation-fallback", false, "send the English text when a translation fails")
	fs.DurationVar(&c.TranslateTimeout, "translate-timeout", 10*time.Second, "timeout per translation")
	fs.IntVar(&c.RetryMaxAttempts, "retry-max-attempts", rp.MaxAttempts, "delivery attempts per recipient and language")
	fs.DurationVar(&c.RetryInitial, "retry-initial", rp.InitialInterval, "first retry delay")
	fs.DurationVar(&c.RetryMax, "retry-max", rp.MaxInterval, "longest retry delay")
	fs.DurationVar(&c.AttemptTimeout, "attempt-timeout", rp.AttemptTimeout, "timeout for one delivery attempt")
	fs.IntVar(&c.DispatchWorkers, "dispatch-workers", 8, "concurrent deliveries per alert round")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook URL (empty = disabled)")
	fs.StringVar(&c.SlackRecipients, "slack-recipients", "incidents", "label and languages for the Slack webhook, e.g. incidents=en+es")
	fs.StringVar(&c.TelegramBotToken, "telegram-bot-token", "", "Telegram bot token (empty = disabled)")
	fs.StringVar(&c.TelegramRecipients, "telegram-recipients", "", "Telegram chat ids with optional languages, e.g. -1001234=en+es,55512345")
	fs.BoolVar(&c.TelegramLocationPins, "telegram-location-pins", true, "send a location pin after the first Telegram message")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL (empty = disabled)")
	fs.StringVar(&c.NATSSubjects, "nats-subjects", "roadwatch.alerts", "NATS subjects with optional languages, e.g. roadwatch.alerts.es=es")
	fs.StringVar(&c.NATSFrameSubject, "nats-frame-subject", "roadwatch.frames", "NATS subject frames are consumed from (empty = no NATS ingest)")
	fs.StringVar(&c.NATSQueueGroup, "nats-queue-group", "roadwatch", "NATS queue group shared by frame consumers")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "Anthropic API key for translation (empty = phrasebook only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for translation")
	fs.BoolVar(&c.Geocode, "geocode", true, "resolve incident coordinates to street addresses")
	fs.StringVar(&c.NominatimURL, "nominatim-url", nominatim.DefaultBaseURL, "Nominatim base URL")
	fs.StringVar(&c.NominatimUserAgent, "nominatim-user-agent", nominatim.DefaultUserAgent, "User-Agent sent to Nominatim")
	fs.Float64Var(&c.NominatimMaxDistance, "nominatim-max-distance", 0, "reject addresses further than this many meters from the incident (0 = off)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the shared geocode cache (empty = disabled)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.DurationVar(&c.GeoCacheTTL, "geo-cache-ttl", 24*time.Hour, "lifetime of cached addresses in Redis")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.Workers < 1 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..256)", c.Workers))
	}
	if c.CooldownWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid COOLDOWN %v (must be > 0)", c.CooldownWindow))
	}
	if c.DispatchWorkers < 1 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_WORKERS %d (must be >= 1)", c.DispatchWorkers))
	}
	if c.TranslateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid TRANSLATE_TIMEOUT %v (must be > 0)", c.TranslateTimeout))
	}
	if len(c.LanguageList()) == 0 {
		errs = append(errs, errors.New("LANGUAGES must name at least one language"))
	}
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}
	if c.Geocode && c.NominatimURL == "" {
		errs = append(errs, errors.New("NOMINATIM_URL is required when GEOCODE is on"))
	}
	if c.NominatimMaxDistance < 0 {
		errs = append(errs, fmt.Errorf("invalid NOMINATIM_MAX_DISTANCE %v (must be >= 0)", c.NominatimMaxDistance))
	}
	if c.RedisAddr != "" && c.GeoCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid GEO_CACHE_TTL %v (must be > 0)", c.GeoCacheTTL))
	}
	if c.TelegramBotToken != "" && strings.TrimSpace(c.TelegramRecipients) == "" {
		errs = append(errs, errors.New("TELEGRAM_RECIPIENTS is required when TELEGRAM_BOT_TOKEN is set"))
	}

	for name, s := range map[string]string{
		"SLACK_RECIPIENTS":    c.SlackRecipients,
		"TELEGRAM_RECIPIENTS": c.TelegramRecipients,
		"NATS_SUBJECTS":       c.NATSSubjects,
	} {
		if _, err := dispatch.ParseRecipients(s); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}

	if err := c.ScoringConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scoring: %w", err))
	}
	if err := c.DedupConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dedup: %w", err))
	}
	if err := c.DispatchConfig().Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dispatch: %w", err))
	}
	if err := c.PipelineConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LanguageList returns the configured languages, lower-cased, in order and
// without duplicates.
func (c *Config) LanguageList() []string {
	var out []string
	seen := make(map[string]bool)
	for _, l := range strings.Split(c.Languages, ",") {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// ScoringConfig projects the scoring thresholds onto the stock weights.
func (c *Config) ScoringConfig() scoring.Config {
	sc := scoring.DefaultConfig()
	sc.AcceptThreshold = c.AcceptThreshold
	sc.MediumAt = c.MediumAt
	sc.HighAt = c.HighAt
	sc.CriticalAt = c.CriticalAt
	return sc
}

func (c *Config) DedupConfig() dedup.Config {
	dc := dedup.DefaultConfig()
	dc.CellMeters = c.CellMeters
	dc.MergeWindow = c.MergeWindow
	dc.SourceWindow = c.SourceWindow
	return dc
}

func (c *Config) ComposeConfig() compose.Config {
	cc := compose.DefaultConfig()
	cc.Languages = c.LanguageList()
	cc.Fallback = c.TranslationFallback
	cc.Timeout = c.TranslateTimeout
	return cc
}

func (c *Config) DispatchConfig() dispatch.Config {
	rp := dispatch.DefaultRetryPolicy()
	rp.MaxAttempts = c.RetryMaxAttempts
	rp.InitialInterval = c.RetryInitial
	rp.MaxInterval = c.RetryMax
	rp.AttemptTimeout = c.AttemptTimeout
	return dispatch.Config{Retry: rp, Workers: c.DispatchWorkers}
}

func (c *Config) PipelineConfig() pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.ConfirmAbove = c.ConfirmAbove
	pc.GeoWait = c.GeoWait
	pc.QueueSize = c.QueueSize
	pc.Languages = c.LanguageList()
	return pc
}

// NATSConfig returns connection settings for the NATS channel.
func (c *Config) NATSConfig(name string) natsbus.Config {
	return natsbus.Config{
		URL:            c.NATSURL,
		Name:           name,
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
	}
}
