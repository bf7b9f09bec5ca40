package audit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// cursor is the position of the last entry returned on a page.
type cursor struct {
	CreatedAt string `json:"t"`
	Seq       int64  `json:"s"`
}

func encodeCursor(c cursor) string {
	b, _ := json.Marshal(c) //nolint:errcheck // plain struct always marshals
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	if c.CreatedAt == "" || c.Seq <= 0 {
		return c, ErrInvalidCursor
	}
	return c, nil
}
