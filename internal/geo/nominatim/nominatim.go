// Package nominatim resolves coordinates to street addresses through the
// OpenStreetMap Nominatim reverse geocoding API.
package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/roadwatch/internal/geo"
	"github.com/linnemanlabs/roadwatch/internal/incident"
)

const (
	DefaultBaseURL     = "https://nominatim.openstreetmap.org"
	DefaultUserAgent   = "roadwatch/1.0"
	DefaultMinInterval = time.Second
	DefaultCacheSize   = 1000

	httpTimeout     = 10 * time.Second
	unknownLocation = "Unknown location"
)

// Client is a rate limited, caching Nominatim reverse geocoder. Safe for
// concurrent use.
type Client struct {
	baseURL     string
	userAgent   string
	client      *http.Client
	minInterval time.Duration
	maxDistance float64
	cacheSize   int

	limiter *rate.Limiter
	cache   *lru.Cache[string, incident.Address]
	group   singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different Nominatim instance.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithUserAgent sets the User-Agent header Nominatim's usage policy requires.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithMinInterval sets the minimum spacing between upstream requests.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) { c.minInterval = d }
}

// WithMaxDistance rejects results whose matched object lies further than
// meters from the query point. Zero disables the check.
func WithMaxDistance(meters float64) Option {
	return func(c *Client) { c.maxDistance = meters }
}

// WithCacheSize bounds the number of remembered addresses. The least
// recently used entry is evicted first.
func WithCacheSize(n int) Option {
	return func(c *Client) { c.cacheSize = n }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		userAgent:   DefaultUserAgent,
		client:      &http.Client{Timeout: httpTimeout},
		minInterval: DefaultMinInterval,
		cacheSize:   DefaultCacheSize,
	}
	for _, o := range opts {
		o(c)
	}

	limit := rate.Inf
	if c.minInterval > 0 {
		limit = rate.Every(c.minInterval)
	}
	c.limiter = rate.NewLimiter(limit, 1)

	if c.cacheSize < 1 {
		c.cacheSize = DefaultCacheSize
	}
	c.cache, _ = lru.New[string, incident.Address](c.cacheSize) // errors only on size < 1
	return c
}

// Resolve returns the address nearest to (lat, lon). Identical concurrent
// lookups share one upstream request. All failures wrap
// geo.ErrResolutionUnavailable.
func (c *Client) Resolve(ctx context.Context, lat, lon float64) (*incident.Address, error) {
	key := cacheKey(lat, lon)
	if a, ok := c.cache.Get(key); ok {
		return &a, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if a, ok := c.cache.Get(key); ok {
			return a, nil
		}
		a, err := c.fetch(ctx, lat, lon)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	a := v.(incident.Address)
	return &a, nil
}

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

type reverseResponse struct {
	Error       string `json:"error"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Address     struct {
		Road     string `json:"road"`
		Suburb   string `json:"suburb"`
		City     string `json:"city"`
		Town     string `json:"town"`
		Village  string `json:"village"`
		State    string `json:"state"`
		Country  string `json:"country"`
		Postcode string `json:"postcode"`
	} `json:"address"`
}

func (c *Client) fetch(ctx context.Context, lat, lon float64) (incident.Address, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return incident.Address{}, fmt.Errorf("nominatim: %w: %w", geo.ErrResolutionUnavailable, err)
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("format", "json")
	q.Set("addressdetails", "1")
	q.Set("zoom", "18")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reverse?"+q.Encode(), http.NoBody)
	if err != nil {
		return incident.Address{}, fmt.Errorf("nominatim: create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req) //nolint:gosec // G704: baseURL is from trusted config
	if err != nil {
		return incident.Address{}, fmt.Errorf("nominatim: %w: %w", geo.ErrResolutionUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return incident.Address{}, fmt.Errorf("nominatim: %w: status %d: %s", geo.ErrResolutionUnavailable, resp.StatusCode, string(body))
	}

	var rr reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return incident.Address{}, fmt.Errorf("nominatim: %w: decode: %w", geo.ErrResolutionUnavailable, err)
	}
	if rr.Error != "" {
		return incident.Address{}, fmt.Errorf("nominatim: %w: %s", geo.ErrResolutionUnavailable, rr.Error)
	}

	if c.maxDistance > 0 {
		mLat, errLat := strconv.ParseFloat(rr.Lat, 64)
		mLon, errLon := strconv.ParseFloat(rr.Lon, 64)
		if errLat == nil && errLon == nil {
			if d := geo.Haversine(lat, lon, mLat, mLon); d > c.maxDistance {
				return incident.Address{}, fmt.Errorf("nominatim: %w: nearest match %.0fm away", geo.ErrResolutionUnavailable, d)
			}
		}
	}

	return toAddress(&rr), nil
}

func toAddress(rr *reverseResponse) incident.Address {
	city := firstNonEmpty(rr.Address.City, rr.Address.Town, rr.Address.Village)
	a := incident.Address{
		DisplayName: rr.DisplayName,
		Road:        rr.Address.Road,
		Suburb:      rr.Address.Suburb,
		City:        city,
		State:       rr.Address.State,
		Country:     rr.Address.Country,
		Postcode:    rr.Address.Postcode,
	}

	var parts []string
	for _, p := range []string{a.Road, a.Suburb, a.City, a.State, a.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	switch {
	case len(parts) > 0:
		a.Formatted = strings.Join(parts, ", ")
	case a.DisplayName != "":
		a.Formatted = a.DisplayName
	default:
		a.Formatted = unknownLocation
	}
	return a
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
