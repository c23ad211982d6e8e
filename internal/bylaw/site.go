package bylaw

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SiteConfig is the typed per-site capture configuration.
type SiteConfig struct {
	TargetURLs         []string    `json:"targetUrls" mapstructure:"targetUrls"`
	Selectors          Selectors   `json:"selectors" mapstructure:"selectors"`
	Pagination         Pagination  `json:"pagination" mapstructure:"pagination"`
	Filters            Filters     `json:"filters" mapstructure:"filters"`
	RequiresRendering  bool        `json:"requiresRendering" mapstructure:"requiresRendering"`
	RateLimitPerSecond float64     `json:"rateLimitPerSecond" mapstructure:"rateLimitPerSecond"`
	Retry              RetryConfig `json:"retry" mapstructure:"retry"`
}

// Selectors are CSS selectors applied to listing and document pages.
type Selectors struct {
	LinkList    string `json:"linkList" mapstructure:"linkList"`
	Title       string `json:"title" mapstructure:"title"`
	Number      string `json:"number" mapstructure:"number"`
	Content     string `json:"content" mapstructure:"content"`
	DateEnacted string `json:"dateEnacted" mapstructure:"dateEnacted"`
}

// Pagination controls how listing pages are followed.
type Pagination struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	NextSelector string `json:"nextSelector" mapstructure:"nextSelector"`
	MaxPages     int    `json:"maxPages" mapstructure:"maxPages"`
}

// Filters narrow the discovered document set.
type Filters struct {
	DocumentCategories []string `json:"documentCategories" mapstructure:"documentCategories"`
	Keywords           []string `json:"keywords" mapstructure:"keywords"`
}

// RetryConfig bounds retries of transient fetch failures.
type RetryConfig struct {
	MaxAttempts int `json:"maxAttempts" mapstructure:"maxAttempts"`
	BaseDelayMs int `json:"baseDelayMs" mapstructure:"baseDelayMs"`
	MaxDelayMs  int `json:"maxDelayMs" mapstructure:"maxDelayMs"`
}

// BaseDelay returns the first backoff delay.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff ceiling.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// DecodeSiteConfig parses a JSON site configuration, rejecting unknown
// fields. It does not validate.
func DecodeSiteConfig(data []byte) (SiteConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg SiteConfig
	if err := dec.Decode(&cfg); err != nil {
		return SiteConfig{}, fmt.Errorf("%w: decode: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Validate checks that every required field is present and coherent.
func (c SiteConfig) Validate() error {
	var errs []error
	if len(c.TargetURLs) == 0 {
		errs = append(errs, errors.New("targetUrls: at least one url is required"))
	}
	for _, raw := range c.TargetURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("targetUrls: %q is not an absolute http(s) url", raw))
		}
	}
	if c.RateLimitPerSecond <= 0 {
		errs = append(errs, errors.New("rateLimitPerSecond: must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.maxAttempts: must be at least 1"))
	}
	if c.Retry.BaseDelayMs <= 0 {
		errs = append(errs, errors.New("retry.baseDelayMs: must be positive"))
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		errs = append(errs, errors.New("retry.maxDelayMs: must be >= baseDelayMs"))
	}
	if c.Pagination.Enabled {
		if strings.TrimSpace(c.Selectors.LinkList) == "" {
			errs = append(errs, errors.New("pagination: requires selectors.linkList"))
		}
		if strings.TrimSpace(c.Pagination.NextSelector) == "" {
			errs = append(errs, errors.New("pagination.nextSelector: required when pagination is enabled"))
		}
		if c.Pagination.MaxPages < 1 {
			errs = append(errs, errors.New("pagination.maxPages: must be at least 1"))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// ListingPageLimit returns how many listing pages discovery may visit per
// target url.
func (c SiteConfig) ListingPageLimit() int {
	if !c.Pagination.Enabled {
		return 1
	}
	return c.Pagination.MaxPages
}
