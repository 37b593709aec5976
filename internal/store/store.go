// Package store persists stations, observations, and per-file provenance in
// PostgreSQL. All writes are idempotent upserts keyed on natural keys, so
// re-ingesting a file never duplicates rows.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
)

// observationChunkSize bounds how many upserts are queued into one batch
// round trip. All chunks for a file still commit in a single transaction.
const observationChunkSize = 1000

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

const upsertStationSQL = `
	INSERT INTO stations (wbanno, name, state, latitude, longitude)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (wbanno) DO UPDATE SET
		name      = COALESCE(stations.name, EXCLUDED.name),
		latitude  = COALESCE(stations.latitude, EXCLUDED.latitude),
		longitude = COALESCE(stations.longitude, EXCLUDED.longitude)`

// UpsertStation inserts a station row or fills previously-null name and
// coordinate columns on an existing one. Known values are never overwritten.
func (s *Store) UpsertStation(ctx context.Context, st domain.Station) error {
	_, err := s.pool.Exec(ctx, upsertStationSQL,
		st.WBANNO, st.Name, st.State, st.Latitude, st.Longitude)
	if err != nil {
		return fmt.Errorf("upserting station %d: %w", st.WBANNO, err)
	}
	return nil
}

// UpsertStations applies UpsertStation semantics to a set of stations in one
// batch round trip.
func (s *Store) UpsertStations(ctx context.Context, stations []domain.Station) error {
	if len(stations) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, st := range stations {
		batch.Queue(upsertStationSQL,
			st.WBANNO, st.Name, st.State, st.Latitude, st.Longitude)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for _, st := range stations {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upserting station %d: %w", st.WBANNO, err)
		}
	}
	return nil
}

const upsertObservationSQL = `
	INSERT INTO observations (
		wbanno, utc_datetime, lst_datetime, crx_version,
		t_calc, t_hr_avg, t_max, t_min, p_calc,
		solarad, solarad_flag, solarad_max, solarad_max_flag,
		solarad_min, solarad_min_flag,
		sur_temp_type, sur_temp, sur_temp_flag,
		sur_temp_max, sur_temp_max_flag, sur_temp_min, sur_temp_min_flag,
		rh_hr_avg, rh_hr_avg_flag,
		soil_moisture_5, soil_moisture_10, soil_moisture_20,
		soil_moisture_50, soil_moisture_100,
		soil_temp_5, soil_temp_10, soil_temp_20,
		soil_temp_50, soil_temp_100,
		source_file_id
	) VALUES (
		$1, $2, $3, $4,
		$5, $6, $7, $8, $9,
		$10, $11, $12, $13,
		$14, $15,
		$16, $17, $18,
		$19, $20, $21, $22,
		$23, $24,
		$25, $26, $27,
		$28, $29,
		$30, $31, $32,
		$33, $34,
		$35
	)
	ON CONFLICT (wbanno, utc_datetime) DO UPDATE SET
		lst_datetime      = EXCLUDED.lst_datetime,
		crx_version       = EXCLUDED.crx_version,
		t_calc            = EXCLUDED.t_calc,
		t_hr_avg          = EXCLUDED.t_hr_avg,
		t_max             = EXCLUDED.t_max,
		t_min             = EXCLUDED.t_min,
		p_calc            = EXCLUDED.p_calc,
		solarad           = EXCLUDED.solarad,
		solarad_flag      = EXCLUDED.solarad_flag,
		solarad_max       = EXCLUDED.solarad_max,
		solarad_max_flag  = EXCLUDED.solarad_max_flag,
		solarad_min       = EXCLUDED.solarad_min,
		solarad_min_flag  = EXCLUDED.solarad_min_flag,
		sur_temp_type     = EXCLUDED.sur_temp_type,
		sur_temp          = EXCLUDED.sur_temp,
		sur_temp_flag     = EXCLUDED.sur_temp_flag,
		sur_temp_max      = EXCLUDED.sur_temp_max,
		sur_temp_max_flag = EXCLUDED.sur_temp_max_flag,
		sur_temp_min      = EXCLUDED.sur_temp_min,
		sur_temp_min_flag = EXCLUDED.sur_temp_min_flag,
		rh_hr_avg         = EXCLUDED.rh_hr_avg,
		rh_hr_avg_flag    = EXCLUDED.rh_hr_avg_flag,
		soil_moisture_5   = EXCLUDED.soil_moisture_5,
		soil_moisture_10  = EXCLUDED.soil_moisture_10,
		soil_moisture_20  = EXCLUDED.soil_moisture_20,
		soil_moisture_50  = EXCLUDED.soil_moisture_50,
		soil_moisture_100 = EXCLUDED.soil_moisture_100,
		soil_temp_5       = EXCLUDED.soil_temp_5,
		soil_temp_10      = EXCLUDED.soil_temp_10,
		soil_temp_20      = EXCLUDED.soil_temp_20,
		soil_temp_50      = EXCLUDED.soil_temp_50,
		soil_temp_100     = EXCLUDED.soil_temp_100,
		source_file_id    = EXCLUDED.source_file_id`

// UpsertObservations merges a file's observations on (wbanno, utc_datetime)
// with last-write-wins semantics. All rows commit in a single transaction,
// queued in chunks of observationChunkSize per batch round trip.
//
// The Inserted/Updated split is estimated from a pre-transaction count of
// how many incoming keys already exist; concurrent writers can skew it, but
// TotalAffected is exact.
func (s *Store) UpsertObservations(ctx context.Context, observations []domain.Observation, sourceFileID int) (domain.UpsertResult, error) {
	if len(observations) == 0 {
		return domain.UpsertResult{}, nil
	}

	existing, err := s.countExistingKeys(ctx, observations)
	if err != nil {
		return domain.UpsertResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.UpsertResult{}, fmt.Errorf("beginning observation upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	total := 0
	for chunk := range slices.Chunk(observations, observationChunkSize) {
		batch := &pgx.Batch{}
		for _, o := range chunk {
			batch.Queue(upsertObservationSQL,
				o.WBANNO, o.UTCTime, o.LSTTime, o.CRXVersion,
				o.TCalc, o.THrAvg, o.TMax, o.TMin, o.PCalc,
				o.Solarad, o.SolaradFlag, o.SolaradMax, o.SolaradMaxFlag,
				o.SolaradMin, o.SolaradMinFlag,
				o.SurTempType, o.SurTemp, o.SurTempFlag,
				o.SurTempMax, o.SurTempMaxFlag, o.SurTempMin, o.SurTempMinFlag,
				o.RHHrAvg, o.RHHrAvgFlag,
				o.SoilMoisture5, o.SoilMoisture10, o.SoilMoisture20,
				o.SoilMoisture50, o.SoilMoisture100,
				o.SoilTemp5, o.SoilTemp10, o.SoilTemp20,
				o.SoilTemp50, o.SoilTemp100,
				sourceFileID,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range chunk {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return domain.UpsertResult{}, fmt.Errorf("upserting observations: %w", err)
			}
			total += int(tag.RowsAffected())
		}
		if err := results.Close(); err != nil {
			return domain.UpsertResult{}, fmt.Errorf("closing observation batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.UpsertResult{}, fmt.Errorf("committing observation upsert: %w", err)
	}
	s.logger.Debug("observations merged", "rows", total, "existing", existing)

	inserted := total - existing
	if inserted < 0 {
		inserted = 0
	}
	return domain.UpsertResult{
		Inserted:      inserted,
		Updated:       min(existing, total),
		TotalAffected: total,
	}, nil
}

// countExistingKeys reports how many of the incoming natural keys are
// already present in the observations table.
func (s *Store) countExistingKeys(ctx context.Context, observations []domain.Observation) (int, error) {
	wbannos := make([]int32, len(observations))
	times := make([]time.Time, len(observations))
	for i, o := range observations {
		wbannos[i] = int32(o.WBANNO)
		times[i] = o.UTCTime
	}

	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM observations o
		JOIN unnest($1::int[], $2::timestamptz[]) AS k(wbanno, utc_datetime)
			ON o.wbanno = k.wbanno AND o.utc_datetime = k.utc_datetime`,
		wbannos, times,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting existing observation keys: %w", err)
	}
	return count, nil
}

// RecordFileProcessed upserts the provenance row for a source file, keyed on
// file_name, and returns the row id. An earlier attempt's row is overwritten
// in place.
func (s *Store) RecordFileProcessed(ctx context.Context, pf domain.ProcessedFile) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO processed_files (
			file_name, file_url, year, state, station_name, last_modified,
			rows_processed, file_hash, observations_inserted,
			observations_updated, parse_failures, processing_status, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (file_name) DO UPDATE SET
			file_url              = EXCLUDED.file_url,
			last_modified         = EXCLUDED.last_modified,
			rows_processed        = EXCLUDED.rows_processed,
			file_hash             = EXCLUDED.file_hash,
			observations_inserted = EXCLUDED.observations_inserted,
			observations_updated  = EXCLUDED.observations_updated,
			parse_failures        = EXCLUDED.parse_failures,
			processing_status     = EXCLUDED.processing_status,
			processed_at          = NOW()
		RETURNING id`,
		pf.FileName, pf.FileURL, pf.Year, pf.State, pf.StationName, pf.LastModified,
		pf.RowsProcessed, pf.FileHash, pf.ObservationsInserted,
		pf.ObservationsUpdated, pf.ParseFailures, string(pf.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("recording file %s: %w", pf.FileName, err)
	}
	return id, nil
}

// IsFileProcessed reports whether a file already has a completed provenance
// row. Files that only ever failed are not considered processed.
func (s *Store) IsFileProcessed(ctx context.Context, fileName string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_files
			WHERE file_name = $1 AND processing_status = $2
		)`,
		fileName, string(domain.StatusCompleted),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking file %s: %w", fileName, err)
	}
	return exists, nil
}

// ProcessedFilesForYear returns the names of all completed files for a year.
func (s *Store) ProcessedFilesForYear(ctx context.Context, year int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT file_name FROM processed_files
		WHERE year = $1 AND processing_status = $2`,
		year, string(domain.StatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("listing processed files for %d: %w", year, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning processed file name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing processed files for %d: %w", year, err)
	}
	return names, nil
}

// GetProcessedFile returns the provenance row for a file, or nil when the
// file has never been attempted.
func (s *Store) GetProcessedFile(ctx context.Context, fileName string) (*domain.ProcessedFile, error) {
	var pf domain.ProcessedFile
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, file_name, file_url, year, state, station_name, last_modified,
			rows_processed, file_hash, observations_inserted,
			observations_updated, parse_failures, processing_status, processed_at
		FROM processed_files
		WHERE file_name = $1`,
		fileName,
	).Scan(
		&pf.ID, &pf.FileName, &pf.FileURL, &pf.Year, &pf.State, &pf.StationName,
		&pf.LastModified, &pf.RowsProcessed, &pf.FileHash,
		&pf.ObservationsInserted, &pf.ObservationsUpdated, &pf.ParseFailures,
		&status, &pf.ProcessedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading processed file %s: %w", fileName, err)
	}
	pf.Status = domain.FileStatus(status)
	return &pf, nil
}

// Station returns the registry row for one station, or nil when unknown.
func (s *Store) Station(ctx context.Context, wbanno int) (*domain.Station, error) {
	var st domain.Station
	err := s.pool.QueryRow(ctx, `
		SELECT wbanno, name, state, latitude, longitude, first_seen
		FROM stations
		WHERE wbanno = $1`,
		wbanno,
	).Scan(&st.WBANNO, &st.Name, &st.State, &st.Latitude, &st.Longitude, &st.FirstSeen)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading station %d: %w", wbanno, err)
	}
	return &st, nil
}
