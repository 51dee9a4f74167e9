package imagery

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quadsnap/quadsnap/pkg/tilemath"
)

// levelIncompleteError marks a zoom-level attempt whose tile grid could not
// be fully populated. It triggers fallback to the next coarser level.
type levelIncompleteError struct {
	quadKey string
	status  TileStatus
	cause   error
}

func (e *levelIncompleteError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("tile %s: %s: %v", e.quadKey, e.status, e.cause)
	}
	return fmt.Sprintf("tile %s: %s", e.quadKey, e.status)
}

func (e *levelIncompleteError) Unwrap() error {
	return e.cause
}

// Selector walks zoom levels from a requested maximum down to zero until
// one level's tile grid resolves completely, then hands the grid to the
// compositor.
type Selector struct {
	gateway *Gateway
	workers int
	log     *logrus.Logger
}

// NewSelector builds a selector fetching through the given gateway with at
// most workers concurrent tile fetches per grid attempt.
func NewSelector(gateway *Gateway, workers int, log *logrus.Logger) *Selector {
	return &Selector{gateway: gateway, workers: workers, log: log}
}

// Retrieve produces the composed image for the box spanned by the two
// corners, at the finest level no greater than maxLevel that is fully
// covered by imagery. Corner order is not trusted. It returns
// ErrNoResolution when every candidate level has gaps.
func (s *Selector) Retrieve(ctx context.Context, a, b orb.Point, maxLevel int) (image.Image, error) {
	if maxLevel < 0 {
		return nil, NewValidationError("maximum level must not be negative, got %d", maxLevel)
	}
	if maxLevel > tilemath.MaxLevel {
		maxLevel = tilemath.MaxLevel
	}

	for level := maxLevel; level >= 0; level-- {
		img, err := s.tryLevel(ctx, a, b, level)
		if err == nil {
			return img, nil
		}

		var incomplete *levelIncompleteError
		if errors.As(err, &incomplete) {
			s.log.WithFields(logrus.Fields{
				"level":  level,
				"reason": incomplete.Error(),
			}).Debug("zoom level incomplete, falling back")
			continue
		}
		return nil, err
	}
	return nil, ErrNoResolution
}

// tryLevel attempts one zoom level: project the box, validate it, fetch
// the full tile grid, and composite. A *levelIncompleteError return means
// the caller should try the next coarser level; anything else is terminal.
func (s *Selector) tryLevel(ctx context.Context, a, b orb.Point, level int) (image.Image, error) {
	ax, ay := tilemath.LatLngToPixel(a.Lat(), a.Lon(), level)
	bx, by := tilemath.LatLngToPixel(b.Lat(), b.Lon(), level)

	// Corner order is a convention, not a precondition.
	x1, x2 := min(ax, bx), max(ax, bx)
	y1, y2 := min(ay, by), max(ay, by)

	if x2-x1 <= 1 || y2-y1 <= 1 {
		return nil, NewValidationError(
			"bounding box degenerates to %dx%d pixels at level %d", x2-x1, y2-y1, level)
	}

	tx1, ty1 := tilemath.PixelToTile(x1, y1)
	tx2, ty2 := tilemath.PixelToTile(x2, y2)

	grid, err := s.fetchGrid(ctx, tx1, ty1, tx2, ty2, level)
	if err != nil {
		return nil, err
	}

	return Compose(grid, tx1, ty1, x1, y1, x2, y2), nil
}

// fetchGrid resolves every tile in the inclusive range with a bounded
// worker pool. The first per-tile failure cancels the remaining fetches
// and discards the grid; partial grids never escape.
func (s *Selector) fetchGrid(ctx context.Context, tx1, ty1, tx2, ty2, level int) ([][]image.Image, error) {
	cols := tx2 - tx1 + 1
	rows := ty2 - ty1 + 1

	grid := make([][]image.Image, rows)
	for i := range grid {
		grid[i] = make([]image.Image, cols)
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(s.workers))

	for ty := ty1; ty <= ty2; ty++ {
		for tx := tx1; tx <= tx2; tx++ {
			tx, ty := tx, ty
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				quadKey := tilemath.TileToQuadKey(tx, ty, level)
				res, err := s.gateway.FetchTile(gctx, quadKey)
				if err != nil {
					return err
				}
				if res.Status != TileOK {
					return &levelIncompleteError{quadKey: quadKey, status: res.Status, cause: res.Err}
				}
				grid[ty-ty1][tx-tx1] = res.Image
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		// A worker cancelled by the group reports the context error; the
		// group returns the root cause first, but a cancelled parent
		// context must still win.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return grid, nil
}
