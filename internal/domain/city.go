package domain

import "time"

// City is directory data for one city. The ID doubles as the URL slug.
type City struct {
	ID        string
	Slug      string
	Name      *string
	State     *string
	Lat, Lng  *float64
	CreatedAt time.Time
	UpdatedAt time.Time
}
