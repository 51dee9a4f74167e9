package imagery

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/quadsnap/quadsnap/pkg/tilemath"
)

// A test box over greater London.
const (
	boxLat1 = 51.611650
	boxLng1 = -0.340893
	boxLat2 = 51.371810
	boxLng2 = 0.112293
)

var sentinelBytes = []byte("placeholder: no imagery at this address")

// fakeTileService mimics the quadkey tile endpoint. Tiles exist for levels
// up to maxLevel; specific quadkeys can be forced to answer with sentinel
// bytes, a 404, or undecodable bytes.
type fakeTileService struct {
	mu       sync.Mutex
	requests map[string]int
	styles   map[string]int

	maxLevel    int
	missing     map[string]bool
	corrupt     map[string]bool
	missingAll  bool
	notFound404 bool
	probeStatus int // non-zero forces this status for the sentinel probe

	tileBytes []byte
	server    *httptest.Server
}

func newFakeTileService(maxLevel int) *fakeTileService {
	svc := &fakeTileService{
		requests:  make(map[string]int),
		styles:    make(map[string]int),
		maxLevel:  maxLevel,
		missing:   make(map[string]bool),
		corrupt:   make(map[string]bool),
		tileBytes: encodeTile(color.RGBA{R: 90, G: 120, B: 60, A: 255}),
	}
	svc.server = httptest.NewServer(http.HandlerFunc(svc.handle))
	return svc
}

func encodeTile(c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, tilemath.TileSize, tilemath.TileSize))
	for i := range img.Pix {
		switch i % 4 {
		case 0:
			img.Pix[i] = c.R
		case 1:
			img.Pix[i] = c.G
		case 2:
			img.Pix[i] = c.B
		default:
			img.Pix[i] = c.A
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func (s *fakeTileService) handle(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/tiles/")
	name = strings.TrimSuffix(name, ".jpeg")
	if name == "" {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	quadKey := name[1:] // leading byte is the style selector

	s.mu.Lock()
	s.requests[quadKey]++
	s.styles[name[:1]]++
	s.mu.Unlock()

	switch {
	case len(quadKey) > tilemath.MaxLevel:
		// The out-of-range probe address.
		if s.probeStatus != 0 {
			w.WriteHeader(s.probeStatus)
			return
		}
		if s.notFound404 {
			http.NotFound(w, r)
			return
		}
		w.Write(sentinelBytes)
	case s.missingAll, s.missing[quadKey], len(quadKey) > s.maxLevel:
		if s.notFound404 {
			http.NotFound(w, r)
			return
		}
		w.Write(sentinelBytes)
	case s.corrupt[quadKey]:
		w.Write([]byte("not an image"))
	default:
		w.Write(s.tileBytes)
	}
}

func (s *fakeTileService) urlTemplate() string {
	return s.server.URL + "/tiles/{style}{quadkey}.jpeg?g=1&mkt={culture}"
}

func (s *fakeTileService) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.requests {
		total += n
	}
	return total
}

func (s *fakeTileService) requestsFor(quadKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[quadKey]
}

func (s *fakeTileService) requestsForStyle(style string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.styles[style]
}

func newTestRetriever(t *testing.T, svc *fakeTileService, mutate func(*Config)) *Retriever {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := DefaultConfig()
	cfg.SourceURL = svc.urlTemplate()
	cfg.CacheEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := NewRetriever(cfg, WithCacheFs(afero.NewMemMapFs()), WithLogger(log))
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	return r
}

// pixelRect computes the normalized global pixel rectangle of the test box
// at a level, mirroring what the selector derives.
func pixelRect(lat1, lng1, lat2, lng2 float64, level int) (x1, y1, x2, y2 int) {
	ax, ay := tilemath.LatLngToPixel(lat1, lng1, level)
	bx, by := tilemath.LatLngToPixel(lat2, lng2, level)
	return min(ax, bx), min(ay, by), max(ax, bx), max(ay, by)
}

func TestRetrieveFallsBackToCoveredLevel(t *testing.T) {
	svc := newFakeTileService(10)
	defer svc.server.Close()

	r := newTestRetriever(t, svc, nil)
	img, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 11)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	x1, y1, x2, y2 := pixelRect(boxLat1, boxLng1, boxLat2, boxLng2, 10)
	if img.Bounds().Dx() != x2-x1 || img.Bounds().Dy() != y2-y1 {
		t.Errorf("image is %dx%d, want the level-10 pixel rect %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), x2-x1, y2-y1)
	}

	// Cropping removes tile-edge padding: strictly smaller than the raw
	// grid, strictly larger than zero.
	tx1, ty1 := tilemath.PixelToTile(x1, y1)
	tx2, ty2 := tilemath.PixelToTile(x2, y2)
	gridW := (tx2 - tx1 + 1) * tilemath.TileSize
	gridH := (ty2 - ty1 + 1) * tilemath.TileSize
	if img.Bounds().Dx() >= gridW || img.Bounds().Dy() >= gridH {
		t.Errorf("composed image %dx%d was not cropped below the raw grid %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), gridW, gridH)
	}
	if img.Bounds().Dx() <= 0 || img.Bounds().Dy() <= 0 {
		t.Errorf("composed image has empty dimensions %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestSentinelTileAbandonsLevel(t *testing.T) {
	svc := newFakeTileService(11)
	defer svc.server.Close()

	// Knock out the tile containing the first corner at level 11.
	px, py := tilemath.LatLngToPixel(boxLat1, boxLng1, 11)
	tx, ty := tilemath.PixelToTile(px, py)
	gone := tilemath.TileToQuadKey(tx, ty, 11)
	svc.missing[gone] = true

	r := newTestRetriever(t, svc, nil)
	img, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 11)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if svc.requestsFor(gone) == 0 {
		t.Error("level 11 was never attempted")
	}
	x1, y1, x2, y2 := pixelRect(boxLat1, boxLng1, boxLat2, boxLng2, 10)
	if img.Bounds().Dx() != x2-x1 || img.Bounds().Dy() != y2-y1 {
		t.Errorf("image is %dx%d, want the level-10 fallback rect %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), x2-x1, y2-y1)
	}
}

func TestUndecodableTileAbandonsLevel(t *testing.T) {
	svc := newFakeTileService(11)
	defer svc.server.Close()

	px, py := tilemath.LatLngToPixel(boxLat2, boxLng2, 11)
	tx, ty := tilemath.PixelToTile(px, py)
	svc.corrupt[tilemath.TileToQuadKey(tx, ty, 11)] = true

	r := newTestRetriever(t, svc, nil)
	img, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 11)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	x1, y1, x2, y2 := pixelRect(boxLat1, boxLng1, boxLat2, boxLng2, 10)
	if img.Bounds().Dx() != x2-x1 || img.Bounds().Dy() != y2-y1 {
		t.Errorf("image is %dx%d, want the level-10 fallback rect %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), x2-x1, y2-y1)
	}
}

func TestMissingTilesAs404FallBack(t *testing.T) {
	svc := newFakeTileService(10)
	svc.notFound404 = true
	defer svc.server.Close()

	r := newTestRetriever(t, svc, nil)
	img, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 11)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	x1, _, x2, _ := pixelRect(boxLat1, boxLng1, boxLat2, boxLng2, 10)
	if img.Bounds().Dx() != x2-x1 {
		t.Errorf("image width %d, want %d", img.Bounds().Dx(), x2-x1)
	}
}

func TestCornerOrderIndependence(t *testing.T) {
	svc := newFakeTileService(12)
	defer svc.server.Close()

	r := newTestRetriever(t, svc, nil)

	first, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 12)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	swapped, err := r.Retrieve(context.Background(), boxLat2, boxLng2, boxLat1, boxLng1, 12)
	if err != nil {
		t.Fatalf("Retrieve (swapped corners): %v", err)
	}

	if first.Bounds() != swapped.Bounds() {
		t.Fatalf("bounds differ: %v vs %v", first.Bounds(), swapped.Bounds())
	}
	a := first.(*image.RGBA)
	b := swapped.(*image.RGBA)
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Error("swapped corner order produced different pixels")
	}
}

func TestCachedTilesSkipNetwork(t *testing.T) {
	svc := newFakeTileService(10)
	defer svc.server.Close()

	r := newTestRetriever(t, svc, func(cfg *Config) {
		cfg.CacheEnabled = true
		cfg.CacheDir = "/cache/tiles"
	})

	if _, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 10); err != nil {
		t.Fatalf("first Retrieve: %v", err)
	}
	r.gateway.WaitCacheWrites()
	before := svc.requestCount()

	if _, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 10); err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}
	if after := svc.requestCount(); after != before {
		t.Errorf("second retrieval issued %d network fetches for cached tiles", after-before)
	}
}

func TestCacheWriteFailureIsSwallowed(t *testing.T) {
	svc := newFakeTileService(10)
	defer svc.server.Close()

	// A read-only filesystem rejects every cache write while still serving
	// reads; the directory must pre-exist so the store can open.
	base := afero.NewMemMapFs()
	if err := base.MkdirAll("/cache/tiles", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	fs := afero.NewReadOnlyFs(base)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := DefaultConfig()
	cfg.SourceURL = svc.urlTemplate()
	cfg.CacheDir = "/cache/tiles"

	r, err := NewRetriever(cfg, WithCacheFs(fs), WithLogger(log))
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}

	img, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 10)
	if err != nil {
		t.Fatalf("Retrieve with failing cache writes: %v", err)
	}
	r.gateway.WaitCacheWrites()

	x1, y1, x2, y2 := pixelRect(boxLat1, boxLng1, boxLat2, boxLng2, 10)
	if img.Bounds().Dx() != x2-x1 || img.Bounds().Dy() != y2-y1 {
		t.Errorf("image is %dx%d, want %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), x2-x1, y2-y1)
	}

	// Nothing got cached, so a second retrieval fetches over the network
	// again, and still succeeds.
	before := svc.requestCount()
	if _, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 10); err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}
	if svc.requestCount() == before {
		t.Error("failed cache writes must not be served as cache hits")
	}
}

func TestCachePartitionsSplitByStyle(t *testing.T) {
	svc := newFakeTileService(10)
	defer svc.server.Close()

	fs := afero.NewMemMapFs()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := DefaultConfig()
	cfg.SourceURL = svc.urlTemplate()
	cfg.CacheDir = "/cache/tiles"

	labeled, err := NewRetriever(cfg, WithCacheFs(fs), WithLogger(log))
	if err != nil {
		t.Fatalf("NewRetriever (labeled): %v", err)
	}
	if _, err := labeled.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 10); err != nil {
		t.Fatalf("labeled Retrieve: %v", err)
	}
	labeled.gateway.WaitCacheWrites()
	before := svc.requestCount()

	cfg.Labeled = false
	plain, err := NewRetriever(cfg, WithCacheFs(fs), WithLogger(log))
	if err != nil {
		t.Fatalf("NewRetriever (plain): %v", err)
	}
	if _, err := plain.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 10); err != nil {
		t.Fatalf("plain Retrieve: %v", err)
	}

	// Tiles cached under the labeled partition must not satisfy the plain
	// session; it has to go back to the network for its own style.
	if svc.requestCount() == before {
		t.Error("plain session was served tiles cached by the labeled session")
	}
	if svc.requestsForStyle("h") == 0 {
		t.Error("labeled session never requested the labeled style")
	}
	if svc.requestsForStyle("a") == 0 {
		t.Error("plain session never requested the plain style")
	}
}

func TestDegenerateBoxFailsValidation(t *testing.T) {
	svc := newFakeTileService(15)
	defer svc.server.Close()

	r := newTestRetriever(t, svc, nil)
	_, err := r.Retrieve(context.Background(), 51.5, -0.1, 51.5000001, -0.1000001, 5)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want a validation error, got %v", err)
	}
	if svc.requestCount() != 0 {
		t.Errorf("degenerate box triggered %d network fetches", svc.requestCount())
	}
}

func TestNegativeMaxLevelFailsValidation(t *testing.T) {
	svc := newFakeTileService(15)
	defer svc.server.Close()

	r := newTestRetriever(t, svc, nil)
	_, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, -1)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want a validation error, got %v", err)
	}
}

func TestExhaustionReportsNoResolution(t *testing.T) {
	svc := newFakeTileService(0)
	svc.missingAll = true
	defer svc.server.Close()

	r := newTestRetriever(t, svc, nil)
	// A box large enough to stay non-degenerate all the way to level 0.
	_, err := r.Retrieve(context.Background(), 60, -40, 10, 40, 2)
	if !errors.Is(err, ErrNoResolution) {
		t.Fatalf("want ErrNoResolution, got %v", err)
	}
}

func TestSentinelFetchFailureIsFatal(t *testing.T) {
	svc := newFakeTileService(15)
	svc.probeStatus = http.StatusInternalServerError
	defer svc.server.Close()

	r := newTestRetriever(t, svc, nil)
	_, err := r.Retrieve(context.Background(), boxLat1, boxLng1, boxLat2, boxLng2, 10)
	if err == nil {
		t.Fatal("expected a fatal error when the sentinel cannot be fetched")
	}
	if errors.Is(err, ErrNoResolution) {
		t.Fatalf("sentinel failure must not read as exhaustion, got %v", err)
	}
	if !strings.Contains(err.Error(), "sentinel") {
		t.Errorf("error should name the sentinel fetch, got %v", err)
	}
}

func TestInvalidCultureFailsFast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Culture = "en_us!"

	_, err := NewRetriever(cfg, WithCacheFs(afero.NewMemMapFs()))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want a validation error for culture %q, got %v", cfg.Culture, err)
	}
}
