// Package pagination parses the offset-based paging parameters shared by the
// list endpoints.
package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultLimit defines the fallback number of items returned when the client omits limit.
	DefaultLimit = 20
	// DefaultMaxLimit caps the supported limit to prevent unbounded queries.
	DefaultMaxLimit = 100

	maxSearchLength = 256
)

// Params bundles the paging and search values extracted from a request.
type Params struct {
	Limit  int
	Offset int
	Search string
}

// Options control how Parse behaves for a given handler layer.
type Options struct {
	DefaultLimit int
	MaxLimit     int
}

var (
	ErrInvalidLimit  = errors.New("pagination: invalid limit")
	ErrInvalidOffset = errors.New("pagination: invalid offset")
)

// FromRequest parses the supported query parameters from the supplied request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse consumes the provided query values and returns the normalised Params representation.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	limit, err := parseLimit(values.Get("limit"), opts)
	if err != nil {
		return Params{}, err
	}

	offset, err := parseOffset(values.Get("offset"))
	if err != nil {
		return Params{}, err
	}

	return Params{
		Limit:  limit,
		Offset: offset,
		Search: sanitizeSearch(values.Get("search")),
	}, nil
}

func parseLimit(raw string, opts Options) (int, error) {
	maxLimit := opts.MaxLimit
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}

	defaultLimit := opts.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLimit, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidLimit)
	}
	switch {
	case value <= 0:
		return defaultLimit, nil
	case value > maxLimit:
		return maxLimit, nil
	default:
		return value, nil
	}
}

func parseOffset(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: must be a non-negative integer", ErrInvalidOffset)
	}
	return value, nil
}

func sanitizeSearch(raw string) string {
	value := strings.TrimSpace(raw)
	if len(value) > maxSearchLength {
		value = value[:maxSearchLength]
	}
	return value
}
