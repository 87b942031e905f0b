package domain_test

import (
	"testing"
	"time"

	"github.com/aidansoares23/city-insight-server/internal/domain"
)

func TestCursor_Roundtrip(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 589000000, time.UTC)
	tok := domain.EncodeCursor(domain.Cursor{ID: "abc123", CreatedAt: at})

	c, legacy := domain.DecodeCursor(tok)
	if legacy != nil {
		t.Fatalf("well-formed token decoded as legacy: %+v", legacy)
	}
	if c == nil || c.ID != "abc123" || !c.CreatedAt.Equal(at) {
		t.Fatalf("roundtrip mismatch: %+v", c)
	}
}

func TestDecodeCursor_Empty(t *testing.T) {
	c, legacy := domain.DecodeCursor("")
	if c != nil || legacy != nil {
		t.Fatal("empty token must mean start of sequence")
	}
}

func TestDecodeCursor_LegacyID(t *testing.T) {
	c, legacy := domain.DecodeCursor("0a1b2c3d4e5f60718293a4b5c6d7e8f9")
	if c != nil {
		t.Fatalf("bare id decoded as tuple cursor: %+v", c)
	}
	if legacy == nil || legacy.ID != "0a1b2c3d4e5f60718293a4b5c6d7e8f9" {
		t.Fatalf("legacy: %+v", legacy)
	}
}

func TestDecodeCursor_Garbage(t *testing.T) {
	// Valid base64 but not cursor JSON still falls back to legacy, never panics.
	_, legacy := domain.DecodeCursor("bm90LWpzb24")
	if legacy == nil {
		t.Fatal("expected legacy fallback")
	}
}
