package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	rc "github.com/linnemanlabs/roadwatch/internal/cfg"
	"github.com/linnemanlabs/roadwatch/internal/compose"
	"github.com/linnemanlabs/roadwatch/internal/dispatch"
	"github.com/linnemanlabs/roadwatch/internal/geo"
	"github.com/linnemanlabs/roadwatch/internal/geo/nominatim"
	"github.com/linnemanlabs/roadwatch/internal/geo/rediscache"
	"github.com/linnemanlabs/roadwatch/internal/notify/natsbus"
	"github.com/linnemanlabs/roadwatch/internal/notify/slack"
	"github.com/linnemanlabs/roadwatch/internal/notify/telegram"
	"github.com/linnemanlabs/roadwatch/internal/translate"
	"github.com/linnemanlabs/roadwatch/internal/translate/claude"
	"github.com/linnemanlabs/roadwatch/internal/translate/phrasebook"
)

const redisPingTimeout = 3 * time.Second

func connectNATS(c *rc.Config, L log.Logger) (*nats.Conn, error) {
	if c.NATSURL == "" {
		return nil, nil
	}
	conn, err := natsbus.Connect(c.NATSConfig(appName), L)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// buildChannels returns one dispatch channel per configured backend.
func buildChannels(ctx context.Context, c *rc.Config, conn *nats.Conn, L log.Logger) ([]dispatch.Channel, error) {
	var channels []dispatch.Channel

	add := func(name string, n dispatch.Notifier, recipients string) error {
		rs, err := dispatch.ParseRecipients(recipients)
		if err != nil {
			return fmt.Errorf("%s recipients: %w", name, err)
		}
		if len(rs) == 0 {
			L.Warn(ctx, "channel has no recipients, skipping", "channel", name)
			return nil
		}
		channels = append(channels, dispatch.Channel{Name: name, Notifier: n, Recipients: rs})
		L.Info(ctx, "notifier enabled", "channel", name, "recipients", len(rs))
		return nil
	}

	if c.SlackWebhookURL != "" {
		if err := add("slack", slack.New(c.SlackWebhookURL, L), c.SlackRecipients); err != nil {
			return nil, err
		}
	}
	if c.TelegramBotToken != "" {
		n := telegram.New(c.TelegramBotToken, L, telegram.WithLocationPins(c.TelegramLocationPins))
		if err := add("telegram", n, c.TelegramRecipients); err != nil {
			return nil, err
		}
	}
	if conn != nil {
		if err := add("nats", natsbus.New(conn, L), c.NATSSubjects); err != nil {
			return nil, err
		}
	}
	return channels, nil
}

// buildTranslator puts Claude in front of the phrasebook when an API key is
// configured.
func buildTranslator(ctx context.Context, c *rc.Config, L log.Logger) compose.Translator {
	book := phrasebook.New()
	if c.ClaudeAPIKey == "" {
		L.Info(ctx, "translation backend", "chain", "phrasebook", "languages", book.Languages())
		return book
	}
	L.Info(ctx, "translation backend", "chain", "claude,phrasebook", "model", c.ClaudeModel)
	return translate.NewChain(claude.New(c.ClaudeAPIKey, c.ClaudeModel), book)
}

// buildResolver returns nil when geocoding is off. The returned close func is
// always safe to call.
func buildResolver(ctx context.Context, c *rc.Config, L log.Logger) (geo.Resolver, func(), error) {
	noop := func() {}
	if !c.Geocode {
		L.Info(ctx, "reverse geocoding disabled")
		return nil, noop, nil
	}

	var resolver geo.Resolver = nominatim.New(
		nominatim.WithBaseURL(c.NominatimURL),
		nominatim.WithUserAgent(c.NominatimUserAgent),
		nominatim.WithMaxDistance(c.NominatimMaxDistance),
	)
	L.Info(ctx, "reverse geocoding enabled", "nominatim_url", c.NominatimURL)

	if c.RedisAddr == "" {
		return resolver, noop, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, noop, fmt.Errorf("redis ping %s: %w", c.RedisAddr, err)
	}
	L.Info(ctx, "geocode cache enabled", "redis_addr", c.RedisAddr, "ttl", c.GeoCacheTTL)
	return rediscache.New(rdb, resolver, c.GeoCacheTTL, L), func() { _ = rdb.Close() }, nil
}
