package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	domain "github.com/rewards-hub/api/internal/domain"
)

const (
	// DefaultPageSize applies when the client omits pageSize.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps pageSize.
	DefaultMaxPageSize = 200
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Options tune FromRequest for one listing.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromRequest reads pageSize and pageToken from the query string. The token is validated
// here so stores only ever see well-formed cursors.
func FromRequest(r *http.Request, opts Options) (domain.Pagination, error) {
	query := r.URL.Query()

	size, err := parsePageSize(query.Get("pageSize"), opts)
	if err != nil {
		return domain.Pagination{}, err
	}
	token := strings.TrimSpace(query.Get("pageToken"))
	if _, err := DecodeToken(token); err != nil {
		return domain.Pagination{}, err
	}
	return domain.Pagination{PageSize: size, PageToken: token}, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	def := opts.DefaultPageSize
	if def <= 0 {
		def = DefaultPageSize
	}
	max := opts.MaxPageSize
	if max <= 0 {
		max = DefaultMaxPageSize
	}
	if def > max {
		def = max
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
	}
	if size > max {
		size = max
	}
	return size, nil
}

// Window returns the items of sorted after cursor, at most size of them, and the token for
// the page that follows. sorted must already be in newest-first order.
func Window[T any](sorted []T, cursor Cursor, size int, key func(T) Cursor) ([]T, string) {
	start := 0
	if !cursor.IsZero() {
		start = len(sorted)
		for i, item := range sorted {
			k := key(item)
			if cursor.Before(k.CreatedAt, k.ID) {
				start = i
				break
			}
		}
	}
	end := len(sorted)
	if size > 0 && start+size < end {
		end = start + size
	}
	page := sorted[start:end]
	next := ""
	if end < len(sorted) && len(page) > 0 {
		next = EncodeToken(key(page[len(page)-1]))
	}
	return page, next
}
