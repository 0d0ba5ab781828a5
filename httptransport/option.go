package httptransport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/doccache/cache"
	responsetransformer "github.com/always-cache/doccache/pkg/response-transformer"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultRetryMax     = 2
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second
	defaultMaxStored    = 8 << 20
	defaultUserAgent    = "doccache"
)

type config struct {
	httpClient   *http.Client
	timeout      time.Duration
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	store        cache.Store
	maxStored    int
	rules        responsetransformer.Rules
	logger       *zerolog.Logger
	userAgent    string
	clock        func() time.Time
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		timeout:      defaultTimeout,
		retryMax:     defaultRetryMax,
		retryWaitMin: defaultRetryWaitMin,
		retryWaitMax: defaultRetryWaitMax,
		maxStored:    defaultMaxStored,
		userAgent:    defaultUserAgent,
		clock:        time.Now,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithHTTPClient sets the client that performs single attempts. Its
// redirect policy is replaced so that redirects surface to the transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) error {
		cfg.httpClient = c
		return nil
	}
}

// WithTimeout sets the overall timeout of one job, retries included.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("negative timeout %s", d)
		}
		cfg.timeout = d
		return nil
	}
}

// WithRetry configures retries of failed attempts. A max of 0 disables them.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(cfg *config) error {
		if max < 0 {
			return fmt.Errorf("negative retry max %d", max)
		}
		if waitMin > waitMax {
			return fmt.Errorf("retry wait min %s above max %s", waitMin, waitMax)
		}
		cfg.retryMax = max
		cfg.retryWaitMin = waitMin
		cfg.retryWaitMax = waitMax
		return nil
	}
}

// WithStore sets the disk cache. The transport closes it on Close.
func WithStore(s cache.Store) Option {
	return func(cfg *config) error {
		cfg.store = s
		return nil
	}
}

// WithMaxStored caps the size of a body kept in the store.
func WithMaxStored(n int) Option {
	return func(cfg *config) error {
		cfg.maxStored = n
		return nil
	}
}

// WithRules sets Cache-Control rules applied to responses.
func WithRules(r responsetransformer.Rules) Option {
	return func(cfg *config) error {
		cfg.rules = r
		return nil
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(cfg *config) error {
		cfg.logger = l
		return nil
	}
}

func WithUserAgent(ua string) Option {
	return func(cfg *config) error {
		cfg.userAgent = ua
		return nil
	}
}

// WithClock sets the clock used for expiry calculation.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) error {
		cfg.clock = now
		return nil
	}
}
