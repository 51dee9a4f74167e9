package imagery

import (
	"fmt"
	"strings"
	"time"
)

// Format selects the encoding of the final image.
type Format int

const (
	FormatPNG Format = iota
	FormatJPEG
)

// ParseFormat maps a format name to its Format value.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	default:
		return FormatPNG, NewValidationError("unknown output format: %s", name)
	}
}

func (f Format) String() string {
	if f == FormatJPEG {
		return "jpeg"
	}
	return "png"
}

// Config holds the settings for one retrieval session. It is read-only
// once the session starts.
type Config struct {
	// Labeled selects the tile style with rendered map labels. Labeled and
	// unlabeled tiles are different images and live in separate cache
	// partitions.
	Labeled bool
	// CacheEnabled toggles the on-disk tile cache.
	CacheEnabled bool
	// Format is the output encoding.
	Format Format
	// Culture is the market/culture code sent to the tile service,
	// e.g. "en-us". Letters and hyphens only.
	Culture string

	// SourceURL is the tile endpoint template; recognized tokens are
	// {subdomain}, {style}, {quadkey} and {culture}.
	SourceURL string
	// UserAgent is sent with every tile request.
	UserAgent string
	// Timeout bounds a single tile request.
	Timeout time.Duration
	// Workers bounds concurrent tile fetches within one grid attempt.
	Workers int
	// CacheDir overrides the default on-disk cache location.
	CacheDir string
}

// DefaultConfig returns the stock session settings.
func DefaultConfig() Config {
	return Config{
		Labeled:      true,
		CacheEnabled: true,
		Format:       FormatPNG,
		Culture:      "en-us",
		SourceURL:    "https://ecn.t{subdomain}.tiles.example.com/tiles/{style}{quadkey}.jpeg?g=1&mkt={culture}",
		UserAgent:    "quadsnap/1.0",
		Timeout:      30 * time.Second,
		Workers:      8,
	}
}

// Validate checks the session settings before any network activity.
func (c Config) Validate() error {
	if c.Culture == "" {
		return NewValidationError("culture code is empty")
	}
	for _, r := range c.Culture {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && r != '-' {
			return NewValidationError("culture code %q may contain only letters and hyphens", c.Culture)
		}
	}
	if c.SourceURL == "" {
		return NewValidationError("tile source URL is empty")
	}
	if c.Workers <= 0 {
		return NewValidationError("workers must be positive, got %d", c.Workers)
	}
	if c.Timeout <= 0 {
		return NewValidationError("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// style returns the tile style selector for the configured label mode.
func (c Config) style() string {
	if c.Labeled {
		return "h"
	}
	return "a"
}

// partition returns the cache partition for the configured label mode.
func (c Config) partition() string {
	if c.Labeled {
		return "labeled"
	}
	return "plain"
}

// cacheKey builds the cache key for a quadkey under this session's
// partition.
func (c Config) cacheKey(quadKey string) string {
	return fmt.Sprintf("%s/%s", c.partition(), quadKey)
}
