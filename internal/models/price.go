package models

import (
	"fmt"
	"time"
)

// PricePoint is a single price sample for a pair, unique by (Pair, Time).
type PricePoint struct {
	Pair  string  `json:"pair"`            // e.g., bitcoin/usd
	Value float64 `json:"value"`           // quote currency price
	Time  int64   `json:"time"`            // epoch seconds of the fetch cycle
	Batch int64   `json:"batch,omitempty"` // fetch cycle the sample was written in
}

// SampleID identifies the sample within its pair.
func (p PricePoint) SampleID() string {
	return fmt.Sprintf("%s|%d", p.Pair, p.Time)
}

// LatestUpdate is the singleton pointer advanced by the fetch job each cycle.
type LatestUpdate struct {
	ID            string `json:"id"`
	LastBatch     int64  `json:"lastBatch"`
	LastFetchTime int64  `json:"lastFetchTime"`
}

// LatestUpdateID is the fixed key of the LatestUpdate row.
const LatestUpdateID = "latest_update"

// DispersionRecord is the rolling standard deviation of a pair as of a batch.
//
// StdDev is nil when fewer than two samples were available ("insufficient data").
type DispersionRecord struct {
	Batch     int64    `json:"batch"`
	Pair      string   `json:"pair"`
	StdDev    *float64 `json:"stddev"`
	Samples   int      `json:"samples"`
	UpdatedAt int64    `json:"updatedAt"`
}

// Sufficient reports whether the record carries a statistic.
func (r DispersionRecord) Sufficient() bool {
	return r.StdDev != nil
}

// BatchStatus tracks aggregation progress of a fetch cycle.
type BatchStatus struct {
	Batch     int64 `json:"batch"`
	Expected  int64 `json:"expected"` // -1 until the fetch job seals the batch
	Done      int64 `json:"done"`
	Processed bool  `json:"processed"`
}

// DeadLetter is an irreducible feed record that exhausted its retry budget.
type DeadLetter struct {
	ID       string    `json:"id"`
	StreamID string    `json:"streamId"`
	Shard    int       `json:"shard"`
	Data     string    `json:"data"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}
