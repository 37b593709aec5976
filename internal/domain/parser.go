package domain

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	missingFloat    = -9999.0
	missingInt      = -9999
	sentinelEpsilon = 0.1

	// minFields is the shortest line the archive publishes: everything
	// through RH_HR_AVG_FLAG. Soil columns may be absent on older files.
	minFields = 28
)

// DefaultFailureThreshold rejects a file when more than 10% of its non-blank
// lines fail to parse.
const DefaultFailureThreshold = 0.10

// ParseStats summarizes one file's parse outcome.
type ParseStats struct {
	TotalLines  int
	Parsed      int
	Failures    int
	EmptyLines  int
	FailureRate float64
}

func (s *ParseStats) finalize() {
	nonEmpty := s.TotalLines - s.EmptyLines
	if nonEmpty > 0 {
		s.FailureRate = float64(s.Failures) / float64(nonEmpty)
	}
}

// Parser converts raw USCRN file content into observations. It tolerates
// individual malformed lines up to a failure-rate threshold, above which the
// whole file is rejected as corrupt or format-changed.
type Parser struct {
	threshold float64
	logger    *slog.Logger
}

// NewParser creates a parser with the default failure threshold.
func NewParser(logger *slog.Logger) *Parser {
	return NewParserWithThreshold(DefaultFailureThreshold, logger)
}

// NewParserWithThreshold creates a parser with a custom failure threshold.
func NewParserWithThreshold(threshold float64, logger *slog.Logger) *Parser {
	return &Parser{threshold: threshold, logger: logger}
}

// ParseFile parses file content into observations. Blank lines are ignored;
// malformed lines are counted, logged, and skipped. The file as a whole fails
// when the per-line failure rate exceeds the threshold, or when a non-empty
// file yields no observations at all.
func (p *Parser) ParseFile(content string) ([]Observation, ParseStats, error) {
	var observations []Observation
	var stats ParseStats

	for lineNum, line := range strings.Split(content, "\n") {
		// A trailing newline produces one final empty element; count it
		// like any other blank line.
		stats.TotalLines++

		line = strings.TrimSpace(line)
		if line == "" {
			stats.EmptyLines++
			continue
		}

		obs, err := parseLine(line)
		if err != nil {
			stats.Failures++
			p.logger.Warn("skipping unparseable line",
				"line", lineNum+1,
				"failures", stats.Failures,
				"error", err,
			)
			continue
		}

		observations = append(observations, obs)
		stats.Parsed++
	}

	stats.finalize()

	if stats.FailureRate > p.threshold {
		return nil, stats, fmt.Errorf(
			"parse failure rate %.1f%% exceeds threshold %.1f%%: %d failures out of %d non-empty lines",
			stats.FailureRate*100, p.threshold*100,
			stats.Failures, stats.TotalLines-stats.EmptyLines,
		)
	}

	if len(observations) == 0 && stats.TotalLines > stats.EmptyLines {
		return nil, stats, fmt.Errorf("no observations parsed from non-empty file")
	}

	return observations, stats, nil
}

// parseLine tokenizes one record line and maps tokens to their fixed
// positions. Tokens 6 and 7 (station longitude/latitude) are skipped.
func parseLine(line string) (Observation, error) {
	fields := strings.Fields(line)
	if len(fields) < minFields {
		return Observation{}, fmt.Errorf("expected at least %d fields, got %d", minFields, len(fields))
	}

	wbanno, err := parseInt(fields[0])
	if err != nil {
		return Observation{}, fmt.Errorf("WBANNO: %w", err)
	}
	utcDate, err := parseInt(fields[1])
	if err != nil {
		return Observation{}, fmt.Errorf("UTC date: %w", err)
	}
	utcTime, err := parseInt(fields[2])
	if err != nil {
		return Observation{}, fmt.Errorf("UTC time: %w", err)
	}
	lstDate, err := parseInt(fields[3])
	if err != nil {
		return Observation{}, fmt.Errorf("LST date: %w", err)
	}
	lstTime, err := parseInt(fields[4])
	if err != nil {
		return Observation{}, fmt.Errorf("LST time: %w", err)
	}

	utc, err := combineDateTime(utcDate, utcTime)
	if err != nil {
		return Observation{}, err
	}
	lst, err := combineDateTime(lstDate, lstTime)
	if err != nil {
		return Observation{}, err
	}

	return Observation{
		WBANNO:     wbanno,
		UTCTime:    utc,
		LSTTime:    lst,
		CRXVersion: fields[5],

		TCalc:  optionalFloat(fields, 8),
		THrAvg: optionalFloat(fields, 9),
		TMax:   optionalFloat(fields, 10),
		TMin:   optionalFloat(fields, 11),
		PCalc:  optionalFloat(fields, 12),

		Solarad:        optionalFloat(fields, 13),
		SolaradFlag:    optionalInt(fields, 14),
		SolaradMax:     optionalFloat(fields, 15),
		SolaradMaxFlag: optionalInt(fields, 16),
		SolaradMin:     optionalFloat(fields, 17),
		SolaradMinFlag: optionalInt(fields, 18),

		SurTempType:    optionalString(fields, 19),
		SurTemp:        optionalFloat(fields, 20),
		SurTempFlag:    optionalInt(fields, 21),
		SurTempMax:     optionalFloat(fields, 22),
		SurTempMaxFlag: optionalInt(fields, 23),
		SurTempMin:     optionalFloat(fields, 24),
		SurTempMinFlag: optionalInt(fields, 25),

		RHHrAvg:     optionalFloat(fields, 26),
		RHHrAvgFlag: optionalInt(fields, 27),

		SoilMoisture5:   optionalFloat(fields, 28),
		SoilMoisture10:  optionalFloat(fields, 29),
		SoilMoisture20:  optionalFloat(fields, 30),
		SoilMoisture50:  optionalFloat(fields, 31),
		SoilMoisture100: optionalFloat(fields, 32),

		SoilTemp5:   optionalFloat(fields, 33),
		SoilTemp10:  optionalFloat(fields, 34),
		SoilTemp20:  optionalFloat(fields, 35),
		SoilTemp50:  optionalFloat(fields, 36),
		SoilTemp100: optionalFloat(fields, 37),
	}, nil
}

// combineDateTime builds a UTC timestamp from YYYYMMDD and HHMM integers,
// range-validating each component before combining them.
func combineDateTime(date, hhmm int) (time.Time, error) {
	year := date / 10000
	month := (date % 10000) / 100
	day := date % 100
	hour := hhmm / 100
	minute := hhmm % 100

	if year < 1900 || year > 2100 {
		return time.Time{}, fmt.Errorf("year %d out of range (1900-2100) in date %d", year, date)
	}
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("month %d out of range (1-12) in date %d", month, date)
	}
	if day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("day %d out of range (1-31) in date %d", day, date)
	}
	if hour < 0 || hour > 23 {
		return time.Time{}, fmt.Errorf("hour %d out of range (0-23) in time %04d", hour, hhmm)
	}
	if minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("minute %d out of range (0-59) in time %04d", minute, hhmm)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	// time.Date normalizes out-of-range combinations (Feb 30 → Mar 2);
	// a shifted day means the combination was invalid.
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("invalid date combination %d", date)
	}

	return t, nil
}

func parseInt(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse int %q: %w", s, err)
	}
	return v, nil
}

// optionalFloat parses the token at position i, mapping the -9999 sentinel
// (within ±0.1) and malformed or absent tokens to nil.
func optionalFloat(fields []string, i int) *float64 {
	if i >= len(fields) {
		return nil
	}
	v, err := strconv.ParseFloat(fields[i], 64)
	if err != nil {
		return nil
	}
	if math.Abs(v-missingFloat) < sentinelEpsilon {
		return nil
	}
	return &v
}

// optionalInt parses the token at position i, mapping the exact -9999
// sentinel and malformed or absent tokens to nil.
func optionalInt(fields []string, i int) *int {
	if i >= len(fields) {
		return nil
	}
	v, err := strconv.Atoi(fields[i])
	if err != nil {
		return nil
	}
	if v == missingInt {
		return nil
	}
	return &v
}

func optionalString(fields []string, i int) *string {
	if i >= len(fields) {
		return nil
	}
	s := fields[i]
	return &s
}
