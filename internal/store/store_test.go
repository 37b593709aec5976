//go:build integration

package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/couchcryptid/uscrn-ingest/internal/observability"
	"github.com/couchcryptid/uscrn-ingest/internal/store"
)

// newTestStore connects to the database named by TEST_DATABASE_URL, applies
// migrations, and truncates all tables so each test starts clean.
func newTestStore(ctx context.Context, t *testing.T) (*store.Store, *pgxpool.Pool) {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err, "connect to test database")
	t.Cleanup(pool.Close)

	require.NoError(t, store.Migrate(ctx, pool), "apply migrations")

	_, err = pool.Exec(ctx, `TRUNCATE observations, processed_files, stations RESTART IDENTITY CASCADE`)
	require.NoError(t, err, "truncate tables")

	return store.New(pool, observability.NewLogger("error", "text")), pool
}

func testStation(wbanno int) domain.Station {
	name := fmt.Sprintf("Station %d", wbanno)
	return domain.Station{WBANNO: wbanno, Name: &name, State: "CA"}
}

// testObservations builds n consecutive hourly observations for one station
// starting at a fixed epoch.
func testObservations(wbanno, n int) []domain.Observation {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := make([]domain.Observation, n)
	for i := range obs {
		temp := 10.0 + float64(i)
		obs[i] = domain.Observation{
			WBANNO:     wbanno,
			UTCTime:    start.Add(time.Duration(i) * time.Hour),
			LSTTime:    start.Add(time.Duration(i-8) * time.Hour),
			CRXVersion: "2.623",
			TCalc:      &temp,
		}
	}
	return obs
}

func recordTestFile(ctx context.Context, t *testing.T, s *store.Store, name string) int {
	t.Helper()
	id, err := s.RecordFileProcessed(ctx, domain.ProcessedFile{
		FileName:    name,
		FileURL:     "https://example.com/" + name,
		Year:        2024,
		State:       "CA",
		StationName: "Bodega 6 WSW",
		Status:      domain.StatusProcessing,
	})
	require.NoError(t, err)
	return id
}

func TestUpsertObservations_InsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	require.NoError(t, s.UpsertStation(ctx, testStation(93245)))
	fileID := recordTestFile(ctx, t, s, "CRNH0203-2024-CA_Bodega_6_WSW.txt")

	obs := testObservations(93245, 24)

	res, err := s.UpsertObservations(ctx, obs, fileID)
	require.NoError(t, err)
	assert.Equal(t, 24, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 24, res.TotalAffected)

	// Re-ingesting the same file must not duplicate rows.
	res, err = s.UpsertObservations(ctx, obs, fileID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 24, res.Updated)
	assert.Equal(t, 24, res.TotalAffected)
}

func TestUpsertObservations_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	s, pool := newTestStore(ctx, t)

	require.NoError(t, s.UpsertStation(ctx, testStation(93245)))
	fileID := recordTestFile(ctx, t, s, "CRNH0203-2024-CA_Bodega_6_WSW.txt")

	obs := testObservations(93245, 1)
	_, err := s.UpsertObservations(ctx, obs, fileID)
	require.NoError(t, err)

	revised := 99.5
	obs[0].TCalc = &revised
	obs[0].SolaradFlag = nil
	_, err = s.UpsertObservations(ctx, obs, fileID)
	require.NoError(t, err)

	var tCalc *float64
	var solaradFlag *int
	err = pool.QueryRow(ctx,
		`SELECT t_calc, solarad_flag FROM observations WHERE wbanno = $1 AND utc_datetime = $2`,
		obs[0].WBANNO, obs[0].UTCTime,
	).Scan(&tCalc, &solaradFlag)
	require.NoError(t, err)
	require.NotNil(t, tCalc)
	assert.Equal(t, 99.5, *tCalc)
	assert.Nil(t, solaradFlag, "later nulls overwrite earlier values")
}

func TestUpsertObservations_SpansChunkBoundary(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	require.NoError(t, s.UpsertStation(ctx, testStation(93245)))
	fileID := recordTestFile(ctx, t, s, "CRNH0203-2024-CA_Bodega_6_WSW.txt")

	// 2500 rows forces three batch round trips inside one transaction.
	obs := testObservations(93245, 2500)
	res, err := s.UpsertObservations(ctx, obs, fileID)
	require.NoError(t, err)
	assert.Equal(t, 2500, res.Inserted)
	assert.Equal(t, 2500, res.TotalAffected)
}

func TestUpsertObservations_MixedNewAndExisting(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	require.NoError(t, s.UpsertStation(ctx, testStation(93245)))
	fileID := recordTestFile(ctx, t, s, "CRNH0203-2024-CA_Bodega_6_WSW.txt")

	obs := testObservations(93245, 48)
	_, err := s.UpsertObservations(ctx, obs[:24], fileID)
	require.NoError(t, err)

	// A re-fetched, grown current-year file recorded under a new provenance
	// row: the first 24 keys overlap and must dedupe across source files.
	fileID2 := recordTestFile(ctx, t, s, "CRNH0203-2025-CA_Bodega_6_WSW.txt")
	res, err := s.UpsertObservations(ctx, obs, fileID2)
	require.NoError(t, err)
	assert.Equal(t, 24, res.Inserted)
	assert.Equal(t, 24, res.Updated)
	assert.Equal(t, 48, res.TotalAffected)
}

func TestUpsertObservations_Empty(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	res, err := s.UpsertObservations(ctx, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.UpsertResult{}, res)
}

func TestUpsertStation_FillsNullsOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	require.NoError(t, s.UpsertStation(ctx, domain.Station{WBANNO: 93245, State: "CA"}))

	st, err := s.Station(ctx, 93245)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Nil(t, st.Name)
	assert.Nil(t, st.Latitude)

	name := "Bodega 6 WSW"
	lat, lon := 38.32, -123.07
	require.NoError(t, s.UpsertStation(ctx, domain.Station{
		WBANNO: 93245, Name: &name, State: "CA", Latitude: &lat, Longitude: &lon,
	}))

	other := "Renamed"
	otherLat := 0.0
	require.NoError(t, s.UpsertStation(ctx, domain.Station{
		WBANNO: 93245, Name: &other, State: "CA", Latitude: &otherLat,
	}))

	st, err = s.Station(ctx, 93245)
	require.NoError(t, err)
	require.NotNil(t, st)
	// First non-null values stick.
	assert.Equal(t, "Bodega 6 WSW", *st.Name)
	assert.Equal(t, 38.32, *st.Latitude)
	assert.Equal(t, -123.07, *st.Longitude)
}

func TestUpsertStations_Batch(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	stations := []domain.Station{testStation(93245), testStation(23907), testStation(53131)}
	require.NoError(t, s.UpsertStations(ctx, stations))
	require.NoError(t, s.UpsertStations(ctx, stations))

	for _, want := range stations {
		st, err := s.Station(ctx, want.WBANNO)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, *want.Name, *st.Name)
	}
}

func TestRecordFileProcessed_UpsertsByName(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	const name = "CRNH0203-2024-CA_Bodega_6_WSW.txt"

	id := recordTestFile(ctx, t, s, name)

	done, err := s.IsFileProcessed(ctx, name)
	require.NoError(t, err)
	assert.False(t, done, "processing status should not count as processed")

	id2, err := s.RecordFileProcessed(ctx, domain.ProcessedFile{
		FileName:             name,
		FileURL:              "https://example.com/" + name,
		Year:                 2024,
		State:                "CA",
		StationName:          "Bodega 6 WSW",
		RowsProcessed:        24,
		ObservationsInserted: 24,
		Status:               domain.StatusCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, id, id2, "same file name should reuse the row")

	done, err = s.IsFileProcessed(ctx, name)
	require.NoError(t, err)
	assert.True(t, done)

	pf, err := s.GetProcessedFile(ctx, name)
	require.NoError(t, err)
	require.NotNil(t, pf)
	assert.Equal(t, domain.StatusCompleted, pf.Status)
	assert.Equal(t, 24, pf.RowsProcessed)
	assert.Equal(t, 24, pf.ObservationsInserted)
}

func TestProcessedFilesForYear(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	files := []struct {
		name   string
		year   int
		status domain.FileStatus
	}{
		{"CRNH0203-2023-CA_Bodega_6_WSW.txt", 2023, domain.StatusCompleted},
		{"CRNH0203-2023-TX_Austin_33_NW.txt", 2023, domain.StatusFailed},
		{"CRNH0203-2024-CA_Bodega_6_WSW.txt", 2024, domain.StatusCompleted},
	}
	for _, f := range files {
		_, err := s.RecordFileProcessed(ctx, domain.ProcessedFile{
			FileName: f.name, FileURL: "https://example.com/" + f.name,
			Year: f.year, State: "XX", StationName: "X", Status: f.status,
		})
		require.NoError(t, err)
	}

	names, err := s.ProcessedFilesForYear(ctx, 2023)
	require.NoError(t, err)
	assert.Equal(t, []string{"CRNH0203-2023-CA_Bodega_6_WSW.txt"}, names)
}

func TestGetProcessedFile_Unknown(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	pf, err := s.GetProcessedFile(ctx, "CRNH0203-2024-NV_Mercury_3_SSW.txt")
	require.NoError(t, err)
	assert.Nil(t, pf)
}
