package domain

import "time"

// Observation is one parsed measurement hour for one station. Pointer fields
// are nil when the source token carried the -9999 missing-value sentinel.
type Observation struct {
	WBANNO     int
	UTCTime    time.Time
	LSTTime    time.Time
	CRXVersion string

	TCalc  *float64
	THrAvg *float64
	TMax   *float64
	TMin   *float64
	PCalc  *float64

	Solarad        *float64
	SolaradFlag    *int
	SolaradMax     *float64
	SolaradMaxFlag *int
	SolaradMin     *float64
	SolaradMinFlag *int

	SurTempType    *string
	SurTemp        *float64
	SurTempFlag    *int
	SurTempMax     *float64
	SurTempMaxFlag *int
	SurTempMin     *float64
	SurTempMinFlag *int

	RHHrAvg     *float64
	RHHrAvgFlag *int

	SoilMoisture5   *float64
	SoilMoisture10  *float64
	SoilMoisture20  *float64
	SoilMoisture50  *float64
	SoilMoisture100 *float64

	SoilTemp5   *float64
	SoilTemp10  *float64
	SoilTemp20  *float64
	SoilTemp50  *float64
	SoilTemp100 *float64
}

// Station is the registry row for one USCRN station, keyed by WBANNO.
// Name and coordinates are nullable: they are filled from whichever source
// first knows them (file name, geocoder) and never overwritten afterwards.
type Station struct {
	WBANNO    int
	Name      *string
	State     string
	Latitude  *float64
	Longitude *float64
	FirstSeen time.Time
}

// FileStatus is the provenance state machine for one source file.
// A row starts in StatusProcessing and ends in StatusCompleted or
// StatusFailed; re-attempts overwrite the same row.
type FileStatus string

const (
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
)

// ProcessedFile records the latest ingestion attempt for one source file,
// keyed by FileName.
type ProcessedFile struct {
	ID                   int
	FileName             string
	FileURL              string
	Year                 int
	State                string
	StationName          string
	LastModified         *time.Time
	RowsProcessed        int
	FileHash             *string
	ObservationsInserted int
	ObservationsUpdated  int
	ParseFailures        int
	Status               FileStatus
	ProcessedAt          time.Time
}

// UpsertResult reports the outcome of an observation merge.
//
// Inserted and Updated are estimated by counting how many of the incoming
// natural keys already existed before the transaction; the merge itself does
// not report a per-row new-vs-existing classification.
type UpsertResult struct {
	Inserted      int
	Updated       int
	TotalAffected int
}

// FileInfo describes a file discovered in the remote archive's directory
// listing. It exists only for the duration of an ingestion cycle.
type FileInfo struct {
	Name        string
	URL         string
	Year        int
	State       string
	StationName string
}
