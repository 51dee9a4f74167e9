package imagery

import (
	"errors"
	"fmt"
	"image"
)

// ErrNoResolution reports that no zoom level from the requested maximum
// down to zero produced a fully covered tile grid. For sparse-coverage
// regions this is an expected outcome, not a fault.
var ErrNoResolution = errors.New("no zoom level is fully covered by imagery")

// ValidationError reports invalid caller input; it is raised before any
// network activity for the offending request.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

// NewValidationError builds a ValidationError from a format string.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// TileStatus classifies the outcome of resolving one tile.
type TileStatus int

const (
	// TileOK means the tile exists and decoded successfully.
	TileOK TileStatus = iota
	// TileNotFound means the service has no imagery at this address: the
	// response matched the null-tile sentinel or was an explicit 404.
	TileNotFound
	// TileTransient means the fetch or decode failed in a way that says
	// nothing about whether the tile exists.
	TileTransient
)

func (s TileStatus) String() string {
	switch s {
	case TileOK:
		return "ok"
	case TileNotFound:
		return "not found"
	default:
		return "transient error"
	}
}

// TileResult is the three-way outcome of a tile fetch. The resolution
// selector treats anything but TileOK as grounds to abandon the current
// zoom level; it deliberately does not distinguish NotFound from Transient
// when deciding to fall back.
type TileResult struct {
	Status TileStatus
	Image  image.Image
	Err    error
}

func okTile(img image.Image) TileResult {
	return TileResult{Status: TileOK, Image: img}
}

func notFoundTile() TileResult {
	return TileResult{Status: TileNotFound}
}

func transientTile(err error) TileResult {
	return TileResult{Status: TileTransient, Err: err}
}
