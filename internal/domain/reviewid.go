package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// ReviewIDMaker derives deterministic, non-guessable review ids. The same
// user+city always yields the same id, which is what enforces the
// one-review-per-user-per-city rule structurally instead of via a query.
// The salt keeps outsiders from recomputing a user's review id.
type ReviewIDMaker struct {
	salt string
}

// NewReviewIDMaker fails when the salt is missing; running without one would
// silently mint guessable ids.
func NewReviewIDMaker(salt string) (ReviewIDMaker, error) {
	if salt == "" {
		return ReviewIDMaker{}, &ConfigError{Key: "REVIEW_ID_SALT"}
	}
	return ReviewIDMaker{salt: salt}, nil
}

// ReviewID returns the 32-hex-char id for a (user, city) pair.
func (m ReviewIDMaker) ReviewID(userID, cityID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + cityID + ":" + m.salt))
	return hex.EncodeToString(sum[:])[:32]
}
