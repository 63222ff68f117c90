package cfg

import (
	"flag"
	"math"
	"slices"
	"strings"
	"testing"
	"time"
)

// defaults returns a Config populated from the registered flag defaults.
func defaults(t testing.TB) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := defaults(t)

	if c.DrainSeconds != 20 {
		t.Errorf("DrainSeconds = %d, want 20", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 60 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 60", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.CooldownWindow != 300*time.Second {
		t.Errorf("CooldownWindow = %v, want 5m0s", c.CooldownWindow)
	}
	if c.MediumAt != 0.6 || c.HighAt != 0.75 || c.CriticalAt != 0.9 {
		t.Errorf("severity thresholds = %v/%v/%v, want 0.6/0.75/0.9", c.MediumAt, c.HighAt, c.CriticalAt)
	}
	if got, want := c.LanguageList(), []string{"en", "es", "ar", "hi", "zh"}; !slices.Equal(got, want) {
		t.Errorf("LanguageList() = %v, want %v", got, want)
	}
	if !c.Geocode || !c.TelegramLocationPins {
		t.Errorf("Geocode = %v, TelegramLocationPins = %v, want both true", c.Geocode, c.TelegramLocationPins)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-http-port", "9090",
		"-api-token", "desk-secret",
		"-cooldown", "90s",
		"-confirm-above", "0.8",
		"-languages", "EN, es ,es",
		"-telegram-bot-token", "123:abc",
		"-telegram-recipients", "-1001=en+es,42",
		"-nats-url", "nats://bus:4222",
		"-redis-addr", "cache:6379",
		"-geocode=false",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.APIToken != "desk-secret" {
		t.Errorf("APIToken = %q, want desk-secret", c.APIToken)
	}
	if c.CooldownWindow != 90*time.Second {
		t.Errorf("CooldownWindow = %v, want 1m30s", c.CooldownWindow)
	}
	if got := c.PipelineConfig().ConfirmAbove; got != 0.8 {
		t.Errorf("ConfirmAbove = %v, want 0.8", got)
	}
	if got, want := c.LanguageList(), []string{"en", "es"}; !slices.Equal(got, want) {
		t.Errorf("LanguageList() = %v, want %v", got, want)
	}
	if c.Geocode {
		t.Error("Geocode = true, want false")
	}
	if got := c.NATSConfig("roadwatch").URL; got != "nats://bus:4222" {
		t.Errorf("NATSConfig().URL = %q, want nats://bus:4222", got)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestProjections(t *testing.T) {
	t.Parallel()

	c := defaults(t)
	c.AcceptThreshold = 0.4
	c.CriticalAt = 0.95
	c.CellMeters = 25
	c.MergeWindow = time.Minute
	c.TranslationFallback = true
	c.RetryMaxAttempts = 2
	c.DispatchWorkers = 3
	c.QueueSize = 16
	c.Languages = "en,hi"

	sc := c.ScoringConfig()
	if sc.AcceptThreshold != 0.4 || sc.CriticalAt != 0.95 {
		t.Errorf("ScoringConfig thresholds = %v/%v, want 0.4/0.95", sc.AcceptThreshold, sc.CriticalAt)
	}
	if sc.WeightOverlap == 0 {
		t.Error("ScoringConfig dropped the stock weights")
	}

	dc := c.DedupConfig()
	if dc.CellMeters != 25 || dc.MergeWindow != time.Minute {
		t.Errorf("DedupConfig = %+v", dc)
	}
	if dc.MaxEvidence == 0 {
		t.Error("DedupConfig dropped the stock evidence cap")
	}

	cc := c.ComposeConfig()
	if !cc.Fallback || !slices.Equal(cc.Languages, []string{"en", "hi"}) {
		t.Errorf("ComposeConfig = %+v", cc)
	}

	dsp := c.DispatchConfig()
	if dsp.Retry.MaxAttempts != 2 || dsp.Workers != 3 {
		t.Errorf("DispatchConfig = %+v", dsp)
	}

	pc := c.PipelineConfig()
	if pc.QueueSize != 16 || !slices.Equal(pc.Languages, []string{"en", "hi"}) {
		t.Errorf("PipelineConfig = %+v", pc)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{"defaults are valid", func(*Config) {}, false, nil},
		{"drain zero", func(c *Config) { c.DrainSeconds = 0 }, true, []string{"DRAIN_SECONDS"}},
		{"drain above max", func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 }, true, []string{"DRAIN_SECONDS"}},
		{"budget above max", func(c *Config) { c.ShutdownBudgetSeconds = 301 }, true, []string{"SHUTDOWN_BUDGET_SECONDS"}},
		{"budget equals drain", func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds }, true, []string{"must be greater than"}},
		{"budget is drain plus one", func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds + 1 }, false, nil},
		{"port zero", func(c *Config) { c.APIPort = 0 }, true, []string{"HTTP_PORT"}},
		{"port above max", func(c *Config) { c.APIPort = 65536 }, true, []string{"HTTP_PORT"}},
		{"no workers", func(c *Config) { c.Workers = 0 }, true, []string{"WORKERS"}},
		{"zero cooldown", func(c *Config) { c.CooldownWindow = 0 }, true, []string{"COOLDOWN"}},
		{"no languages", func(c *Config) { c.Languages = " , " }, true, []string{"LANGUAGES"}},
		{"claude key without model", func(c *Config) { c.ClaudeAPIKey = "k"; c.ClaudeModel = "" }, true, []string{"CLAUDE_MODEL"}},
		{"geocode without url", func(c *Config) { c.NominatimURL = "" }, true, []string{"NOMINATIM_URL"}},
		{"geocode off without url", func(c *Config) { c.Geocode = false; c.NominatimURL = "" }, false, nil},
		{"negative max distance", func(c *Config) { c.NominatimMaxDistance = -1 }, true, []string{"NOMINATIM_MAX_DISTANCE"}},
		{"redis without ttl", func(c *Config) { c.RedisAddr = "r:6379"; c.GeoCacheTTL = 0 }, true, []string{"GEO_CACHE_TTL"}},
		{"telegram without recipients", func(c *Config) { c.TelegramBotToken = "t" }, true, []string{"TELEGRAM_RECIPIENTS"}},
		{"duplicate recipient", func(c *Config) { c.NATSSubjects = "a,a" }, true, []string{"NATS_SUBJECTS", "listed twice"}},
		{"scoring out of range", func(c *Config) { c.AcceptThreshold = 1.5 }, true, []string{"scoring", "accept threshold"}},
		{"scoring unordered", func(c *Config) { c.HighAt = 0.95 }, true, []string{"ordered"}},
		{"dedup cell", func(c *Config) { c.CellMeters = 0 }, true, []string{"dedup cell size"}},
		{"retry attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, true, []string{"retry max attempts"}},
		{"confirm threshold", func(c *Config) { c.ConfirmAbove = 2 }, true, []string{"confirm threshold"}},
		{"queue size", func(c *Config) { c.QueueSize = 0 }, true, []string{"queue size"}},
		{
			"errors accumulate",
			func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 0, 0, 0 },
			true,
			[]string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
		{
			"extreme negative values",
			func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32 },
			true,
			[]string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := defaults(t)
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	seeds := []struct {
		drain, budget, port int
	}{
		{20, 60, 8080},
		{1, 2, 1},
		{299, 300, 65535},
		{0, 0, 0},
		{300, 300, 65535},
		{301, 302, 65536},
		{150, 100, 8080},
		{math.MinInt32, math.MinInt32, math.MinInt32},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port)
	}

	base := defaults(f)
	f.Fuzz(func(t *testing.T, drain, budget, port int) {
		c := base
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain

		if want := drainOK && budgetOK && portOK && crossOK; want != (err == nil) {
			t.Errorf("Validate(drain=%d, budget=%d, port=%d) = %v, want valid=%v", drain, budget, port, err, want)
		}
	})
}
