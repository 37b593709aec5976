package domain

import (
	"strconv"
	"strings"
)

// FileNamePrefix and FileNameExt bound which directory-index links are
// treated as hourly data files.
const (
	FileNamePrefix = "CRNH"
	FileNameExt    = ".txt"
)

// compassDirections covers the 16-point rose used in station labels.
var compassDirections = map[string]bool{
	"N": true, "S": true, "E": true, "W": true,
	"NE": true, "NW": true, "SE": true, "SW": true,
	"NNE": true, "ENE": true, "ESE": true, "SSE": true,
	"SSW": true, "WSW": true, "WNW": true, "NNW": true,
}

// MatchesNamingConvention reports whether a directory-index link looks like
// an hourly USCRN data file.
func MatchesNamingConvention(name string) bool {
	return strings.HasPrefix(name, FileNamePrefix) && strings.HasSuffix(name, FileNameExt)
}

// ParseFileName decomposes an archive file name of the form
//
//	CRNH0203-{YEAR}-{STATE}_{LOCATION}_{DISTANCE}_{DIRECTION}.txt
//
// into a FileInfo. The URL field is left for the caller, which knows the
// directory the name was listed in. Returns false for names that do not
// follow the convention.
func ParseFileName(name string) (FileInfo, bool) {
	parts := strings.Split(name, "-")
	if len(parts) < 3 {
		return FileInfo{}, false
	}

	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return FileInfo{}, false
	}

	locParts := strings.Split(parts[2], "_")
	if len(locParts) == 0 || locParts[0] == "" {
		return FileInfo{}, false
	}

	state := strings.TrimSuffix(locParts[0], FileNameExt)
	stationName := "Unknown"
	if len(locParts) > 1 {
		stationName = strings.TrimSuffix(strings.Join(locParts[1:], "_"), FileNameExt)
	}

	return FileInfo{
		Name:        name,
		Year:        year,
		State:       state,
		StationName: stationName,
	}, true
}

// StateFromFileName extracts the two-letter state token from an archive file
// name, or "" if the name does not carry one.
func StateFromFileName(name string) string {
	fi, ok := ParseFileName(name)
	if !ok || len(fi.State) != 2 {
		return ""
	}
	return fi.State
}

// SplitStationLabel separates a station label like "Bodega_6_WSW" into the
// place name ("Bodega") and the relative offset ("6 WSW"). Labels without a
// trailing distance/direction pair come back with an empty offset.
func SplitStationLabel(label string) (place, offset string) {
	tokens := strings.Split(label, "_")
	if len(tokens) >= 3 {
		last := tokens[len(tokens)-1]
		_, err := strconv.ParseFloat(tokens[len(tokens)-2], 64)
		if err == nil && compassDirections[strings.ToUpper(last)] {
			place = strings.Join(tokens[:len(tokens)-2], " ")
			offset = tokens[len(tokens)-2] + " " + last
			return place, offset
		}
	}
	return strings.Join(tokens, " "), ""
}
