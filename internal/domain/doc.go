// Package domain models U.S. Climate Reference Network (USCRN) hourly data.
//
// # Data Source
//
// Hourly products are published by NOAA's National Centers for Environmental
// Information as fixed-layout text files, one file per station per year,
// organized in per-year directories served as plain HTML indexes. File names
// follow:
//
//	CRNH0203-{YEAR}-{STATE}_{LOCATION}_{DISTANCE}_{DIRECTION}.txt
//	e.g. CRNH0203-2024-CA_Bodega_6_WSW.txt
//
// STATE is the two-letter postal code; the remaining underscore-joined tokens
// form the station label ("Bodega_6_WSW" means 6 miles WSW of Bodega, CA).
// Files for the current calendar year grow throughout the year as new hourly
// rows are appended; files for past years are immutable once published.
//
// # Record Layout
//
// Each line is one measurement hour for one station: whitespace-delimited
// tokens at fixed positions, at least 28 per line. The leading tokens are
//
//	WBANNO UTC_DATE UTC_TIME LST_DATE LST_TIME CRX_VN LONGITUDE LATITUDE ...
//
// WBANNO is the station's Weather Bureau Army Navy number (the station
// natural key). Dates are YYYYMMDD, times HHMM in 24-hour notation. The
// longitude/latitude columns are not consumed here. The remaining tokens map
// positionally to air temperature, precipitation, solar radiation, surface
// temperature, relative humidity, and five depths each of soil moisture and
// soil temperature, with quality-control flag columns interleaved.
//
// # Missing Values
//
// The archive encodes absent measurements with the sentinel -9999 (integers
// exactly, floats within ±0.1 to absorb formatting variants like -9999.0).
// Sentinel tokens parse to nil, never to a numeric value: a committed
// observation row carries NULL, not -9999, for anything unmeasured.
//
// # Natural Keys
//
// One observation is uniquely identified by (WBANNO, UTC timestamp); one
// source file by its file name. Re-ingesting the same hour overwrites the
// existing row in place, which makes reprocessing growing current-year files
// safe and idempotent.
package domain
