package models

// FeedRecord is one change-feed entry as delivered by a shard.
//
// Point is nil when Data could not be decoded; ParseErr then carries the reason so
// the record can be isolated and dead-lettered instead of being dropped.
type FeedRecord struct {
	ID       string // stream entry id
	Shard    int
	Data     string // raw JSON payload
	Point    *PricePoint
	ParseErr error
}

// Valid reports whether the record decoded into a PricePoint.
func (r FeedRecord) Valid() bool {
	return r.Point != nil && r.ParseErr == nil
}
