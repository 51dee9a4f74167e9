package imagery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// errTileAbsent reports that the tile endpoint answered 404 for an address.
var errTileAbsent = errors.New("tile service has no tile at this address")

// TileSource fetches raw tile bytes from the templated tile endpoint.
type TileSource struct {
	client      *http.Client
	urlTemplate string
	userAgent   string
}

// NewTileSource builds a source for the given URL template.
func NewTileSource(urlTemplate, userAgent string, timeout time.Duration) *TileSource {
	return &TileSource{
		client: &http.Client{
			Timeout: timeout,
		},
		urlTemplate: urlTemplate,
		userAgent:   userAgent,
	}
}

// buildURL expands the endpoint template for one tile address.
func (s *TileSource) buildURL(style, quadKey, culture string) string {
	url := s.urlTemplate
	url = strings.ReplaceAll(url, "{style}", style)
	url = strings.ReplaceAll(url, "{quadkey}", quadKey)
	url = strings.ReplaceAll(url, "{culture}", culture)
	if strings.Contains(url, "{subdomain}") {
		// Rotate across the service's four tile hosts.
		sum := 0
		for i := 0; i < len(quadKey); i++ {
			sum += int(quadKey[i] - '0')
		}
		url = strings.ReplaceAll(url, "{subdomain}", strconv.Itoa(sum%4))
	}
	return url
}

// Fetch retrieves the raw bytes for one tile address. A 404 answer maps to
// errTileAbsent; any other non-200 status or transport failure is returned
// as an ordinary error.
func (s *TileSource) Fetch(ctx context.Context, style, quadKey, culture string) ([]byte, error) {
	url := s.buildURL(style, quadKey, culture)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errTileAbsent
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return io.ReadAll(resp.Body)
}
