// Package model defines core domain types shared across the service.
package model

import "strconv"

// KeyRecord is the per-key state kept for every key ever observed.
type KeyRecord struct {
	Key      string
	Origin   string
	Port     uint32
	HitCount uint64
}

// KeyFrequency is one row of the top keys report.
type KeyFrequency struct {
	Key       string `json:"Key"`
	Frequency uint64 `json:"Frequency"`
}

// FrequencyString matches the textual report format of the dispatch layer.
func (kf KeyFrequency) FrequencyString() string {
	return strconv.FormatUint(kf.Frequency, 10)
}

// Sizes is a point-in-time view of the ranking store counters.
type Sizes struct {
	ReportSize       int `json:"report_size"`
	WindowSize       int `json:"window_size"`
	WindowActualSize int `json:"window_actual_size"`
	TotalKeys        int `json:"total_keys"`
}
