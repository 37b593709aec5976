package domain

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Real layout sample: WBANNO, UTC date/time, LST date/time, CRX version,
// lon/lat, then measurement and flag columns through the soil depths.
const (
	sampleLine1 = "53104 20240115 1400 20240115 0600 3   -81.74    36.53  -9999.0     4.1     4.9     3.4     0.0    45.5 0    58.6 0    35.9 0 C     1.1 0     2.1 0    -0.5 0    81.9 0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0"
	sampleLine2 = "53104 20240115 1500 20240115 0700 3   -81.74    36.53  -9999.0     4.5     5.2     4.0     0.0    52.3 0    65.4 0    42.1 0 C     1.8 0     2.5 0    -0.2 0    78.5 0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0   -9999.0"
)

func testParser(t *testing.T) *Parser {
	t.Helper()
	return NewParser(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestParseLine(t *testing.T) {
	obs, err := parseLine(sampleLine1)
	require.NoError(t, err)

	assert.Equal(t, 53104, obs.WBANNO)
	assert.Equal(t, time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC), obs.UTCTime)
	assert.Equal(t, time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC), obs.LSTTime)
	assert.Equal(t, "3", obs.CRXVersion)

	require.NotNil(t, obs.THrAvg)
	assert.Equal(t, 4.1, *obs.THrAvg)
	require.NotNil(t, obs.TMax)
	assert.Equal(t, 4.9, *obs.TMax)
	require.NotNil(t, obs.TMin)
	assert.Equal(t, 3.4, *obs.TMin)
	require.NotNil(t, obs.PCalc)
	assert.Equal(t, 0.0, *obs.PCalc)
	require.NotNil(t, obs.SurTempType)
	assert.Equal(t, "C", *obs.SurTempType)
	require.NotNil(t, obs.RHHrAvg)
	assert.Equal(t, 81.9, *obs.RHHrAvg)

	// Sentinel columns must come back absent, not -9999.
	assert.Nil(t, obs.TCalc)
	assert.Nil(t, obs.SoilMoisture5)
	assert.Nil(t, obs.SoilTemp100)
}

func TestParseLine_TooFewFields(t *testing.T) {
	_, err := parseLine("53104 20240115 1400")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 28 fields")
}

func TestParseLine_BadDate(t *testing.T) {
	tests := []struct {
		name string
		date string
		time string
		want string
	}{
		{"year too small", "18990115", "1400", "year 1899 out of range"},
		{"year too large", "21010115", "1400", "year 2101 out of range"},
		{"month zero", "20240015", "1400", "month 0 out of range"},
		{"month thirteen", "20241315", "1400", "month 13 out of range"},
		{"day zero", "20240100", "1400", "day 0 out of range"},
		{"hour 24", "20240115", "2400", "hour 24 out of range"},
		{"minute 60", "20240115", "1460", "minute 60 out of range"},
		{"february 30th", "20240230", "1400", "invalid date combination"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := strings.Replace(sampleLine1, "20240115 1400", tt.date+" "+tt.time, 1)
			_, err := parseLine(line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseFile(t *testing.T) {
	p := testParser(t)

	obs, stats, err := p.ParseFile(sampleLine1 + "\n" + sampleLine2 + "\n")
	require.NoError(t, err)

	assert.Len(t, obs, 2)
	assert.Equal(t, 2, stats.Parsed)
	assert.Equal(t, 0, stats.Failures)
	assert.Equal(t, 1, stats.EmptyLines) // trailing newline
	assert.Zero(t, stats.FailureRate)

	assert.Equal(t, time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC), obs[0].UTCTime)
	assert.Equal(t, time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC), obs[1].UTCTime)
}

func TestParseFile_ToleratesFailuresBelowThreshold(t *testing.T) {
	// 1 bad line out of 20 non-blank = 5%, under the 10% default.
	lines := []string{"garbage line"}
	for i := 0; i < 19; i++ {
		lines = append(lines, sampleLine1)
	}
	p := testParser(t)

	obs, stats, err := p.ParseFile(strings.Join(lines, "\n"))
	require.NoError(t, err)
	assert.Len(t, obs, 19)
	assert.Equal(t, 1, stats.Failures)
	assert.InDelta(t, 0.05, stats.FailureRate, 1e-9)
}

func TestParseFile_RejectsAboveThreshold(t *testing.T) {
	content := strings.Join([]string{
		"invalid line 1",
		sampleLine1,
		"invalid line 2",
		"invalid line 3",
	}, "\n")
	p := testParser(t)

	_, stats, err := p.ParseFile(content)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
	assert.Contains(t, err.Error(), "75.0%")
	assert.Contains(t, err.Error(), "10.0%")
	assert.Equal(t, 3, stats.Failures)
}

func TestParseFile_AcceptsExactlyAtThreshold(t *testing.T) {
	// 1 failure out of 10 non-blank lines is exactly the 10% threshold,
	// which must still be accepted: rejection is strictly-above.
	lines := []string{"garbage"}
	for i := 0; i < 9; i++ {
		lines = append(lines, sampleLine1)
	}
	p := testParser(t)

	obs, stats, err := p.ParseFile(strings.Join(lines, "\n"))
	require.NoError(t, err)
	assert.Len(t, obs, 9)
	assert.InDelta(t, 0.10, stats.FailureRate, 1e-9)
}

func TestParseFile_RejectsAllFailed(t *testing.T) {
	// Under a permissive threshold the rate check passes, but a non-empty
	// file that produced nothing is still rejected.
	p := NewParserWithThreshold(1.0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, _, err := p.ParseFile("garbage\nmore garbage\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no observations parsed")
}

func TestParseFile_EmptyContent(t *testing.T) {
	p := testParser(t)

	obs, stats, err := p.ParseFile("\n\n\n")
	require.NoError(t, err)
	assert.Empty(t, obs)
	assert.Zero(t, stats.Parsed)
	assert.Zero(t, stats.FailureRate)
}

func TestOptionalFloat_Sentinels(t *testing.T) {
	tests := []struct {
		token string
		want  *float64
	}{
		{"-9999", nil},
		{"-9999.0", nil},
		{"-9998.95", nil}, // inside the ±0.1 epsilon
		{"-9998.8", ptr(-9998.8)},
		{"25.5", ptr(25.5)},
		{"0.0", ptr(0.0)},
		{"not-a-number", nil},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got := optionalFloat([]string{tt.token}, 0)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, *tt.want, *got)
			}
		})
	}
}

func TestOptionalInt_Sentinels(t *testing.T) {
	assert.Nil(t, optionalInt([]string{"-9999"}, 0))
	assert.Nil(t, optionalInt([]string{"x"}, 0))
	assert.Nil(t, optionalInt([]string{"0"}, 5)) // out of range

	got := optionalInt([]string{"-9998"}, 0)
	require.NotNil(t, got)
	assert.Equal(t, -9998, *got)
}

func ptr[T any](v T) *T { return &v }
