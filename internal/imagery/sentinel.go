package imagery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// probeQuadKey addresses a tile that cannot exist: it is longer than any
// supported level of detail, so the service answers with its "missing
// tile" placeholder.
var probeQuadKey = strings.Repeat("3", 30)

// NullTileDetector recognizes the tile service's placeholder response for
// addresses with no imagery. The placeholder bytes differ per style and
// culture, so they are fetched lazily and memoized once per combination
// for the lifetime of the session.
type NullTileDetector struct {
	source *TileSource

	group     singleflight.Group
	mu        sync.RWMutex
	sentinels map[string][]byte
}

// NewNullTileDetector builds a detector backed by the given source.
func NewNullTileDetector(source *TileSource) *NullTileDetector {
	return &NullTileDetector{
		source:    source,
		sentinels: make(map[string][]byte),
	}
}

// IsNullTile reports whether data is the missing-tile placeholder for the
// given style and culture. A failure to obtain the placeholder itself is
// returned as an error: without it tile validity cannot be decided, and
// the caller must treat that as fatal to the retrieval.
func (d *NullTileDetector) IsNullTile(ctx context.Context, style, culture string, data []byte) (bool, error) {
	sentinel, err := d.sentinelFor(ctx, style, culture)
	if err != nil {
		return false, err
	}
	if sentinel == nil {
		// The service signals absent tiles with 404 instead of placeholder
		// bytes; nothing to compare against.
		return false, nil
	}
	return bytes.Equal(data, sentinel), nil
}

// sentinelFor returns the memoized placeholder bytes for a (style,
// culture) pair, fetching them on first use. Concurrent first uses share a
// single fetch.
func (d *NullTileDetector) sentinelFor(ctx context.Context, style, culture string) ([]byte, error) {
	key := style + "/" + culture

	d.mu.RLock()
	sentinel, ok := d.sentinels[key]
	d.mu.RUnlock()
	if ok {
		return sentinel, nil
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		data, err := d.source.Fetch(ctx, style, probeQuadKey, culture)
		if errors.Is(err, errTileAbsent) {
			data = nil
		} else if err != nil {
			return nil, fmt.Errorf("fetch null-tile sentinel: %w", err)
		}

		d.mu.Lock()
		d.sentinels[key] = data
		d.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]byte), nil
}
