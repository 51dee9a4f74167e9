// Package imagery retrieves a rectangular aerial image for a geographic
// bounding box by stitching quadkey-addressed tiles from a slippy-map
// service, at the finest zoom level the service fully covers.
package imagery

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/quadsnap/quadsnap/internal/cachestore"
)

// Retriever is the session-scoped entry point for bounding-box retrievals.
type Retriever struct {
	cfg      Config
	gateway  *Gateway
	selector *Selector
	log      *logrus.Logger
}

// Option customizes a Retriever beyond its Config.
type Option func(*options)

type options struct {
	fs  afero.Fs
	log *logrus.Logger
}

// WithCacheFs substitutes the filesystem backing the tile cache.
func WithCacheFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithLogger substitutes the session logger.
func WithLogger(log *logrus.Logger) Option {
	return func(o *options) { o.log = log }
}

// NewRetriever validates cfg and wires the retrieval pipeline.
func NewRetriever(cfg Config, opts ...Option) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		fs:  afero.NewOsFs(),
		log: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var store *cachestore.Store
	if cfg.CacheEnabled {
		dir := cfg.CacheDir
		if dir == "" {
			dir = cachestore.DefaultDir()
		}
		var err error
		store, err = cachestore.New(o.fs, dir)
		if err != nil {
			return nil, fmt.Errorf("open tile cache: %w", err)
		}
	}

	source := NewTileSource(cfg.SourceURL, cfg.UserAgent, cfg.Timeout)
	detector := NewNullTileDetector(source)
	gateway := NewGateway(cfg, source, detector, store, o.log)

	return &Retriever{
		cfg:      cfg,
		gateway:  gateway,
		selector: NewSelector(gateway, cfg.Workers, o.log),
		log:      o.log,
	}, nil
}

// Retrieve composes the image covering the box between the two corners at
// the finest fully covered level not exceeding maxLevel. The corners may
// be given in any order. It blocks until an image is produced or every
// candidate level is exhausted (ErrNoResolution).
func (r *Retriever) Retrieve(ctx context.Context, lat1, lng1, lat2, lng2 float64, maxLevel int) (image.Image, error) {
	a := orb.Point{lng1, lat1}
	b := orb.Point{lng2, lat2}

	r.log.WithFields(logrus.Fields{
		"box":      orb.MultiPoint{a, b}.Bound(),
		"maxLevel": maxLevel,
	}).Info("retrieving imagery")

	return r.selector.Retrieve(ctx, a, b, maxLevel)
}

// Encode writes img to w in the session's configured output format.
func (r *Retriever) Encode(w io.Writer, img image.Image) error {
	return EncodeFormat(w, img, r.cfg.Format)
}

// EncodeFormat writes img to w in the given format.
func EncodeFormat(w io.Writer, img image.Image, format Format) error {
	switch format {
	case FormatJPEG:
		return jpeg.Encode(w, img, nil)
	default:
		return png.Encode(w, img)
	}
}
