// Package scheduler drives periodic ingestion cycles: discover files in the
// archive, decide what needs reprocessing, and push parsed observations
// through the store.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/uscrn-ingest/internal/config"
	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/couchcryptid/uscrn-ingest/internal/observability"
)

// Archive lists and downloads files from the remote data archive.
type Archive interface {
	ListYears(ctx context.Context) ([]int, error)
	ListFilesForYear(ctx context.Context, year int, filter *config.LocationFilter) ([]domain.FileInfo, error)
	Download(ctx context.Context, fileURL string) (string, error)
}

// Store persists stations, observations, and per-file provenance.
type Store interface {
	UpsertStations(ctx context.Context, stations []domain.Station) error
	UpsertObservations(ctx context.Context, observations []domain.Observation, sourceFileID int) (domain.UpsertResult, error)
	RecordFileProcessed(ctx context.Context, pf domain.ProcessedFile) (int, error)
	ProcessedFilesForYear(ctx context.Context, year int) ([]string, error)
}

// EventPublisher emits a provenance event when a file reaches a terminal
// status. Publish failures are logged, never fatal.
type EventPublisher interface {
	PublishFileEvent(ctx context.Context, pf domain.ProcessedFile) error
}

// Scheduler runs ingestion cycles on a fixed interval.
type Scheduler struct {
	archive  Archive
	store    Store
	parser   *domain.Parser
	geocoder domain.Geocoder // nil when enrichment is disabled
	events   EventPublisher  // nil when the event stream is disabled

	filter       *config.LocationFilter
	years        config.YearSelection
	interval     time.Duration
	initialDelay time.Duration
	fileDelay    time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	ready  atomic.Bool
	mu     sync.Mutex
	status domain.CycleStatus
}

// Options carries the optional collaborators and timing knobs for New.
type Options struct {
	Geocoder     domain.Geocoder
	Events       EventPublisher
	Filter       *config.LocationFilter
	Years        config.YearSelection
	Interval     time.Duration
	InitialDelay time.Duration
	FileDelay    time.Duration
	Clock        clockwork.Clock
}

// New creates a Scheduler. A nil Options.Clock selects the real clock.
func New(archive Archive, store Store, parser *domain.Parser, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	filter := opts.Filter
	if filter == nil {
		filter = &config.LocationFilter{}
	}
	return &Scheduler{
		archive:      archive,
		store:        store,
		parser:       parser,
		geocoder:     opts.Geocoder,
		events:       opts.Events,
		filter:       filter,
		years:        opts.Years,
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		fileDelay:    opts.FileDelay,
		logger:       logger,
		metrics:      metrics,
		clock:        clock,
	}
}

// CheckReadiness returns nil once the first ingestion cycle has completed.
func (s *Scheduler) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("first ingestion cycle has not completed yet")
	}
	return nil
}

// Status returns a copy of the last cycle summary.
func (s *Scheduler) Status() domain.CycleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run executes ingestion cycles until the context is cancelled. The first
// cycle starts after the initial delay; subsequent cycles fire on the
// interval regardless of how long each cycle takes.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"interval", s.interval,
		"initial_delay", s.initialDelay,
		"file_delay", s.fileDelay,
	)
	s.metrics.IngestRunning.Set(1)
	defer s.metrics.IngestRunning.Set(0)

	if !s.sleep(ctx, s.initialDelay) {
		s.logger.Info("scheduler stopping", "reason", ctx.Err())
		return nil
	}

	s.runCycle(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			s.runCycle(ctx)
		}
	}
}

// cycleSummary accumulates per-cycle counters before they are published to
// the status endpoint and metrics.
type cycleSummary struct {
	processed int
	skipped   int
	failed    int
	inserted  int
	updated   int
}

func (s *Scheduler) runCycle(ctx context.Context) {
	start := s.clock.Now()
	s.metrics.CyclesTotal.Inc()
	s.logger.Info("ingestion cycle starting")

	var summary cycleSummary

	years, err := s.resolveYears(ctx)
	if err != nil {
		s.logger.Error("year discovery failed, skipping cycle", "error", err)
		return
	}

	currentYear := s.clock.Now().UTC().Year()
	for _, year := range years {
		if ctx.Err() != nil {
			break
		}
		s.processYear(ctx, year, year == currentYear, &summary)
	}

	end := s.clock.Now()
	duration := end.Sub(start)
	s.metrics.CycleDuration.Observe(duration.Seconds())
	s.ready.Store(true)

	s.mu.Lock()
	s.status.CyclesCompleted++
	s.status.LastCycleStart = &start
	s.status.LastCycleEnd = &end
	s.status.FilesProcessed = summary.processed
	s.status.FilesSkipped = summary.skipped
	s.status.FilesFailed = summary.failed
	s.status.ObservationsInserted = summary.inserted
	s.status.ObservationsUpdated = summary.updated
	s.mu.Unlock()

	s.logger.Info("ingestion cycle finished",
		"duration", duration,
		"files_processed", summary.processed,
		"files_skipped", summary.skipped,
		"files_failed", summary.failed,
		"observations_inserted", summary.inserted,
		"observations_updated", summary.updated,
	)
}

// resolveYears turns the configured year selection into a concrete list,
// consulting the archive's own directory listing when the selection is "all".
func (s *Scheduler) resolveYears(ctx context.Context) ([]int, error) {
	var discovered []int
	if s.years.NeedsDiscovery() {
		var err error
		discovered, err = s.archive.ListYears(ctx)
		if err != nil {
			return nil, err
		}
	}
	return s.years.Resolve(s.clock.Now(), discovered), nil
}

func (s *Scheduler) processYear(ctx context.Context, year int, currentYear bool, summary *cycleSummary) {
	files, err := s.archive.ListFilesForYear(ctx, year, s.filter)
	if err != nil {
		s.logger.Error("listing year failed", "year", year, "error", err)
		return
	}
	s.logger.Info("year listed", "year", year, "files", len(files))

	// Historical years never change, so files with a completed provenance
	// row are skipped without downloading. The current year's files grow
	// every hour and are always refetched.
	done := map[string]bool{}
	if !currentYear {
		names, err := s.store.ProcessedFilesForYear(ctx, year)
		if err != nil {
			s.logger.Error("loading processed files failed", "year", year, "error", err)
			return
		}
		for _, name := range names {
			done[name] = true
		}
	}

	for _, fi := range files {
		if ctx.Err() != nil {
			return
		}
		if !currentYear && done[fi.Name] {
			summary.skipped++
			s.metrics.FilesTotal.WithLabelValues("skipped").Inc()
			continue
		}

		s.processFile(ctx, fi, summary)

		if !s.sleep(ctx, s.fileDelay) {
			return
		}
	}
}

func (s *Scheduler) processFile(ctx context.Context, fi domain.FileInfo, summary *cycleSummary) {
	logger := s.logger.With("file", fi.Name)

	content, err := s.archive.Download(ctx, fi.URL)
	if err != nil {
		logger.Error("download failed", "error", err)
		s.recordFailure(ctx, fi, domain.ParseStats{}, summary)
		return
	}

	observations, stats, err := s.parser.ParseFile(content)
	if err != nil {
		logger.Error("file rejected", "error", err)
		s.recordFailure(ctx, fi, stats, summary)
		return
	}

	observations = s.filterStations(observations)
	if len(observations) == 0 {
		logger.Warn("no observations after filtering")
		s.recordFailure(ctx, fi, stats, summary)
		return
	}

	if err := s.upsertStations(ctx, fi, observations); err != nil {
		logger.Error("station upsert failed", "error", err)
		s.recordFailure(ctx, fi, stats, summary)
		return
	}

	fileID, err := s.store.RecordFileProcessed(ctx, domain.ProcessedFile{
		FileName:      fi.Name,
		FileURL:       fi.URL,
		Year:          fi.Year,
		State:         fi.State,
		StationName:   fi.StationName,
		RowsProcessed: stats.TotalLines,
		ParseFailures: stats.Failures,
		Status:        domain.StatusProcessing,
	})
	if err != nil {
		logger.Error("recording file failed", "error", err)
		summary.failed++
		return
	}

	result, err := s.store.UpsertObservations(ctx, observations, fileID)
	if err != nil {
		logger.Error("observation upsert failed", "error", err)
		s.recordFailure(ctx, fi, stats, summary)
		return
	}

	completed := domain.ProcessedFile{
		FileName:             fi.Name,
		FileURL:              fi.URL,
		Year:                 fi.Year,
		State:                fi.State,
		StationName:          fi.StationName,
		RowsProcessed:        stats.TotalLines,
		ParseFailures:        stats.Failures,
		ObservationsInserted: result.Inserted,
		ObservationsUpdated:  result.Updated,
		Status:               domain.StatusCompleted,
	}
	if _, err := s.store.RecordFileProcessed(ctx, completed); err != nil {
		logger.Error("recording file failed", "error", err)
		summary.failed++
		return
	}

	summary.processed++
	summary.inserted += result.Inserted
	summary.updated += result.Updated
	s.metrics.FilesTotal.WithLabelValues("completed").Inc()
	s.metrics.ObservationsInserted.Add(float64(result.Inserted))
	s.metrics.ObservationsUpdated.Add(float64(result.Updated))
	s.metrics.ParseFailures.Add(float64(stats.Failures))

	logger.Info("file ingested",
		"rows", stats.TotalLines,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"parse_failures", stats.Failures,
	)

	completed.ProcessedAt = s.clock.Now()
	s.publishEvent(ctx, completed)
}

// recordFailure writes a failed provenance row so the attempt is visible, and
// publishes the terminal event. Failures never abort the cycle.
func (s *Scheduler) recordFailure(ctx context.Context, fi domain.FileInfo, stats domain.ParseStats, summary *cycleSummary) {
	summary.failed++
	s.metrics.FilesTotal.WithLabelValues("failed").Inc()
	s.metrics.ParseFailures.Add(float64(stats.Failures))

	failed := domain.ProcessedFile{
		FileName:      fi.Name,
		FileURL:       fi.URL,
		Year:          fi.Year,
		State:         fi.State,
		StationName:   fi.StationName,
		RowsProcessed: stats.TotalLines,
		ParseFailures: stats.Failures,
		Status:        domain.StatusFailed,
	}
	if _, err := s.store.RecordFileProcessed(ctx, failed); err != nil {
		s.logger.Error("recording failed file", "file", fi.Name, "error", err)
		return
	}

	failed.ProcessedAt = s.clock.Now()
	s.publishEvent(ctx, failed)
}

// filterStations drops observations whose station id is excluded by the
// configured filter. File names do not carry WBANNO, so this predicate can
// only run after parsing.
func (s *Scheduler) filterStations(observations []domain.Observation) []domain.Observation {
	if len(s.filter.Stations) == 0 {
		return observations
	}
	kept := observations[:0]
	for _, o := range observations {
		if s.filter.MatchesStation(o.WBANNO) {
			kept = append(kept, o)
		}
	}
	return kept
}

// upsertStations registers every station seen in a file, enriching missing
// coordinates through the geocoder when one is configured.
func (s *Scheduler) upsertStations(ctx context.Context, fi domain.FileInfo, observations []domain.Observation) error {
	seen := map[int]bool{}
	var stations []domain.Station
	for _, o := range observations {
		if seen[o.WBANNO] {
			continue
		}
		seen[o.WBANNO] = true

		st := domain.Station{WBANNO: o.WBANNO, State: fi.State}
		if fi.StationName != "" && fi.StationName != "Unknown" {
			name := stationDisplayName(fi.StationName)
			st.Name = &name
		}
		s.geocodeStation(ctx, &st, fi)
		stations = append(stations, st)
	}
	return s.store.UpsertStations(ctx, stations)
}

// geocodeStation fills coordinates from the geocoder. The store only writes
// coordinates into null columns, so a wrong answer cannot clobber known data.
func (s *Scheduler) geocodeStation(ctx context.Context, st *domain.Station, fi domain.FileInfo) {
	if s.geocoder == nil {
		return
	}
	place, _ := domain.SplitStationLabel(fi.StationName)
	if place == "" || place == "Unknown" {
		return
	}
	result, err := s.geocoder.Geocode(ctx, place, fi.State)
	if err != nil {
		s.logger.Warn("geocoding failed", "station", fi.StationName, "error", err)
		return
	}
	if result.PlaceName == "" {
		return
	}
	st.Latitude = &result.Lat
	st.Longitude = &result.Lon
}

func (s *Scheduler) publishEvent(ctx context.Context, pf domain.ProcessedFile) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishFileEvent(ctx, pf); err != nil {
		s.logger.Warn("publishing file event failed", "file", pf.FileName, "error", err)
	}
}

// stationDisplayName turns a file-name station label into its display form,
// e.g. "Bodega_6_WSW" becomes "Bodega 6 WSW".
func stationDisplayName(label string) string {
	place, offset := domain.SplitStationLabel(label)
	if offset == "" {
		return place
	}
	return place + " " + offset
}

// sleep waits for d on the injected clock, returning false when the context
// is cancelled first. A zero duration returns immediately.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}
