package domain

import "time"

// Review is one user's rating of one city. Its ID is deterministic over
// (userID, cityID), so a pair can never own more than one record.
type Review struct {
	ID        string
	UserID    string
	CityID    string
	Ratings   Vector // input domain: integers in [1,10]
	Comment   *string
	CreatedAt time.Time
	UpdatedAt time.Time
}
