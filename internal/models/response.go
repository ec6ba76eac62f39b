package models

// Pair statuses reported by the query API.
const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
	StatusNotComputed      = "not_computed"
)

// PairSummary is one entry of the pair listing.
type PairSummary struct {
	Pair        string   `json:"pair"`
	Price       *float64 `json:"price"`
	PriceTime   int64    `json:"priceTime,omitempty"`
	StdDev      *float64 `json:"stddev"`
	Samples     int      `json:"samples"`
	UpdateBatch int64    `json:"updateBatch,omitempty"`
	Status      string   `json:"status"`
}

// PairDetail is the detail view of one pair.
type PairDetail struct {
	PairSummary
	History []PricePoint `json:"history"`
}

// BatchOverview reports the fetch and aggregation progress.
type BatchOverview struct {
	LatestUpdate         *LatestUpdate `json:"latestUpdate"`
	LatestProcessedBatch int64         `json:"latestProcessedBatch"`
	Current              *BatchStatus  `json:"current,omitempty"`
}

// BatchRanking lists a batch's pairs by stddev, highest first.
type BatchRanking struct {
	Batch     int64              `json:"batch"`
	Processed bool               `json:"processed"`
	Status    string             `json:"status"`
	Items     []DispersionRecord `json:"items"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SummaryOf builds the listing entry of a pair from its latest price and record, either
// of which may be nil.
func SummaryOf(pair string, price *PricePoint, rec *DispersionRecord) PairSummary {
	s := PairSummary{Pair: pair, Status: StatusNotComputed}
	if price != nil {
		v := price.Value
		s.Price = &v
		s.PriceTime = price.Time
	}
	if rec != nil {
		s.Samples = rec.Samples
		s.UpdateBatch = rec.Batch
		s.Status = StatusInsufficientData
		if rec.Sufficient() {
			sd := *rec.StdDev
			s.StdDev = &sd
			s.Status = StatusOK
		}
	}
	return s
}
