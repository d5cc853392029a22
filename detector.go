package ingest

// Signal holds the last accepted freshness value of a feed.
type Signal[T comparable] struct {
	Value T
	Valid bool
}

func NewSignal[T comparable](v T) Signal[T] {
	return Signal[T]{Value: v, Valid: true}
}

// Changed reports whether observed warrants ingesting the feed. With
// nothing accepted yet, or nothing observed, the feed is always
// ingested.
func Changed[T comparable](last Signal[T], observed Signal[T]) bool {
	if !last.Valid || !observed.Valid {
		return true
	}
	return last.Value != observed.Value
}

// ScheduleState tracks the tag of the last persisted schedule.
type ScheduleState struct {
	Tag Signal[string]
}

func (s *ScheduleState) Changed(tag string) bool {
	return Changed(s.Tag, Signal[string]{Value: tag, Valid: tag != ""})
}

// Accept must only be called once the feed row is persisted.
func (s *ScheduleState) Accept(tag string) {
	s.Tag = NewSignal(tag)
}

// RealtimeState tracks the header timestamp of the last persisted
// feed message of one entity type.
type RealtimeState struct {
	Timestamp Signal[uint64]
}

func (s *RealtimeState) Changed(timestamp uint64) bool {
	return Changed(s.Timestamp, NewSignal(timestamp))
}

// Accept must only be called once the feed message row is persisted.
func (s *RealtimeState) Accept(timestamp uint64) {
	s.Timestamp = NewSignal(timestamp)
}
