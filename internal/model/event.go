package model

// Event is the token series a claim code redeems.  Events are managed
// elsewhere; this service only reads them.
type Event struct {
	ID          uint64 // events.id
	FancyID     string // events.fancy_id
	Name        string // events.name
	Description string // events.description
	ImageURL    string // events.image_url
	Year        uint32 // events.year
	StartDate   string // events.start_date
	EndDate     string // events.end_date
}
