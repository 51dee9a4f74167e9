package imagery

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"

	// Tile services answer PNG or JPEG depending on style.
	_ "image/jpeg"
	_ "image/png"

	"github.com/sirupsen/logrus"

	"github.com/quadsnap/quadsnap/internal/cachestore"
)

// Gateway resolves tile addresses to decoded images, consulting the local
// cache before the network and writing fresh tiles back to it.
type Gateway struct {
	cfg      Config
	source   *TileSource
	detector *NullTileDetector
	store    *cachestore.Store
	log      *logrus.Logger

	// writes tracks in-flight background cache writes.
	writes sync.WaitGroup
}

// NewGateway wires the fetch pipeline for one session. store may be nil
// when caching is disabled.
func NewGateway(cfg Config, source *TileSource, detector *NullTileDetector, store *cachestore.Store, log *logrus.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		source:   source,
		detector: detector,
		store:    store,
		log:      log,
	}
}

// FetchTile resolves one quadkey to a three-way TileResult. The returned
// error is non-nil only for failures fatal to the whole retrieval session
// (the null-tile sentinel could not be obtained); per-tile problems are
// reported through the result status instead.
func (g *Gateway) FetchTile(ctx context.Context, quadKey string) (TileResult, error) {
	key := g.cfg.cacheKey(quadKey)

	// Cache hits skip the network entirely and are trusted to be real
	// tiles; sentinel bytes are never written to the cache.
	if g.useCache() {
		if data, err := g.store.Get(key); err == nil {
			img, _, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				return transientTile(err), nil
			}
			return okTile(img), nil
		}
	}

	data, err := g.source.Fetch(ctx, g.cfg.style(), quadKey, g.cfg.Culture)
	if errors.Is(err, errTileAbsent) {
		return notFoundTile(), nil
	}
	if err != nil {
		return transientTile(err), nil
	}

	null, err := g.detector.IsNullTile(ctx, g.cfg.style(), g.cfg.Culture, data)
	if err != nil {
		return TileResult{}, err
	}
	if null {
		return notFoundTile(), nil
	}

	if g.useCache() {
		// Fire and forget: a failed cache write never affects the tile.
		g.writes.Add(1)
		go func() {
			defer g.writes.Done()
			if err := g.store.Put(key, data); err != nil {
				g.log.WithError(err).WithField("tile", key).Warn("tile cache write failed")
			}
		}()
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return transientTile(err), nil
	}
	return okTile(img), nil
}

func (g *Gateway) useCache() bool {
	return g.cfg.CacheEnabled && g.store != nil
}

// WaitCacheWrites blocks until all background cache writes started so far
// have finished.
func (g *Gateway) WaitCacheWrites() {
	g.writes.Wait()
}
