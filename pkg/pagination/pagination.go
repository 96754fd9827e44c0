package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultLimit is the page size used when a request does not set one
	DefaultLimit = 50

	// MaxLimit is the largest page size a request may ask for
	MaxLimit = 200

	cursorPrefix = "offset:"
)

var (
	// ErrInvalidLimit is returned when the pagination limit is invalid
	ErrInvalidLimit = errors.New("pagination limit must be between 0 and MaxLimit")

	// ErrInvalidCursor is returned when a pagination cursor is invalid
	ErrInvalidCursor = errors.New("invalid pagination cursor")
)

// Params are the pagination members of a list request.
type Params struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ValidateParams validates pagination parameters. A nil value is valid.
func ValidateParams(params *Params) error {
	if params == nil {
		return nil
	}
	if params.Limit < 0 || params.Limit > MaxLimit {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, params.Limit)
	}
	if params.Cursor != "" {
		if _, err := DecodeCursor(params.Cursor); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults returns a copy of params with the default limit applied and
// the limit capped at MaxLimit.
func ApplyDefaults(params *Params) Params {
	var out Params
	if params != nil {
		out = *params
	}
	if out.Limit <= 0 {
		out.Limit = DefaultLimit
	}
	if out.Limit > MaxLimit {
		out.Limit = MaxLimit
	}
	return out
}

// EncodeCursor returns the cursor pointing at offset.
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// DecodeCursor returns the offset encoded in cursor. An empty cursor is the
// first page.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	offset, err := strconv.Atoi(s)
	if err != nil || offset < 0 {
		return 0, ErrInvalidCursor
	}
	return offset, nil
}

// Paginate returns the page of items selected by params and the cursor of
// the following page, empty when there is none.
func Paginate[T any](items []T, params *Params) ([]T, string, error) {
	if err := ValidateParams(params); err != nil {
		return nil, "", err
	}
	p := ApplyDefaults(params)

	offset, err := DecodeCursor(p.Cursor)
	if err != nil {
		return nil, "", err
	}
	if offset >= len(items) {
		return []T{}, "", nil
	}

	end := offset + p.Limit
	if end >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset:end], EncodeCursor(end), nil
}
