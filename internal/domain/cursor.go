package domain

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Cursor marks the last-seen position in the (createdAt desc, id desc) review
// ordering. Two keys because createdAt alone is not unique at second
// granularity. A page resumes strictly after the tuple.
type Cursor struct {
	ID        string
	CreatedAt time.Time
}

// LegacyCursor is an id-only token from older clients. The store resolves it
// to its (createdAt, id) tuple before paging continues.
type LegacyCursor struct {
	ID string
}

type cursorWire struct {
	ID           string `json:"id"`
	CreatedAtIso string `json:"createdAtIso"`
}

// EncodeCursor renders an opaque token for the next page.
func EncodeCursor(c Cursor) string {
	b, _ := json.Marshal(cursorWire{ID: c.ID, CreatedAtIso: c.CreatedAt.UTC().Format(time.RFC3339Nano)})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a client token. A well-formed token decodes to the
// (id, createdAt) tuple; any other non-empty token is treated as a legacy
// id-only cursor. Empty means start of sequence (nil, nil).
func DecodeCursor(token string) (*Cursor, *LegacyCursor) {
	if token == "" {
		return nil, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(token); err == nil {
		var w cursorWire
		if err := json.Unmarshal(b, &w); err == nil && w.ID != "" {
			if t, err := time.Parse(time.RFC3339Nano, w.CreatedAtIso); err == nil {
				return &Cursor{ID: w.ID, CreatedAt: t}, nil
			}
		}
	}
	return nil, &LegacyCursor{ID: token}
}
