package telstates

import (
	"sort"
	"time"

	"github.com/obsportal/obsportal/internal/models"
)

// EventAvailable marks a telescope as schedulable; every other event type
// counts against availability.
const EventAvailable = "AVAILABLE"

// Span is a half-open [Start, End) time interval.
type Span struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Intersect clips the span to other, returning a zero-duration span at
// s.Start when they do not overlap.
func (s Span) Intersect(other Span) Span {
	start := s.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := s.End
	if other.End.Before(end) {
		end = other.End
	}
	if end.Before(start) {
		return Span{Start: start, End: start}
	}
	return Span{Start: start, End: end}
}

// MergeIntervals converts an unordered, possibly duplicated stream of raw
// status events into, per telescope, a chronological list of non-overlapping
// state intervals covering first to last timestamp with no gaps. Each event
// opens a state that lasts until the key's next event; the final event closes
// a zero-duration interval at its own timestamp (current state, still open).
// Event types in ignored are dropped before interval construction so they
// cannot fragment the surrounding state.
func MergeIntervals(events []models.RawEvent, ignored map[string]bool) map[models.TelescopeKey][]models.StateInterval {
	byKey := make(map[models.TelescopeKey][]models.RawEvent)
	for _, ev := range events {
		if ignored[ev.Type] {
			continue
		}
		key := ev.Key()
		byKey[key] = append(byKey[key], ev)
	}

	out := make(map[models.TelescopeKey][]models.StateInterval, len(byKey))
	for key, evs := range byKey {
		sort.SliceStable(evs, func(i, j int) bool {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		})

		intervals := make([]models.StateInterval, 0, len(evs))
		for i, ev := range evs {
			end := ev.Timestamp
			if i < len(evs)-1 {
				end = evs[i+1].Timestamp
			}
			intervals = append(intervals, models.StateInterval{
				Telescope:   key.String(),
				EventType:   ev.Type,
				EventReason: ev.Reason,
				Start:       ev.Timestamp,
				End:         end,
			})
		}
		out[key] = mergeAdjacent(intervals)
	}
	return out
}

// mergeAdjacent collapses consecutive intervals that describe the same state.
// The upstream event source emits redundant repeats; this is what makes the
// merge idempotent.
func mergeAdjacent(intervals []models.StateInterval) []models.StateInterval {
	if len(intervals) == 0 {
		return intervals
	}
	merged := intervals[:1]
	for _, iv := range intervals[1:] {
		last := &merged[len(merged)-1]
		if last.EventType == iv.EventType && last.EventReason == iv.EventReason {
			last.End = iv.End
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// OverlapWithSpans sums the time the given intervals (restricted to
// event type AVAILABLE) spend inside the visibility spans.
func OverlapWithSpans(intervals []models.StateInterval, spans []Span) time.Duration {
	var total time.Duration
	for _, iv := range intervals {
		if iv.EventType != EventAvailable {
			continue
		}
		ivSpan := Span{Start: iv.Start, End: iv.End}
		for _, sp := range spans {
			total += ivSpan.Intersect(sp).Duration()
		}
	}
	return total
}
