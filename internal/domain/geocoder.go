package domain

import "context"

// GeocodeResult contains coordinates returned by a geocoding provider.
// A zero PlaceName means the provider had no match.
type GeocodeResult struct {
	Lat        float64
	Lon        float64
	PlaceName  string
	Confidence float64 // provider confidence score in [0, 1]
}

// Geocoder resolves a station's place name and state to coordinates.
// Used to fill station registry columns the data files never carry; station
// upsert semantics guarantee a geocoded value never overwrites a known one.
type Geocoder interface {
	Geocode(ctx context.Context, place, state string) (GeocodeResult, error)
}
