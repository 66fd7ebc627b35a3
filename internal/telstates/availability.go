package telstates

import (
	"sort"
	"time"

	"github.com/obsportal/obsportal/internal/models"
)

// DayAvailability is the fraction of a day's visible time a telescope spent
// in the AVAILABLE state. Day is truncated to midnight UTC.
type DayAvailability struct {
	Day      time.Time `json:"day"`
	Fraction float64   `json:"fraction"`
}

// PerDayAvailability computes, per telescope key, one fraction per calendar
// day in [start, end): AVAILABLE time intersected with that day's visibility
// spans, divided by the day's total visible time. Days with no visible time
// are excluded rather than reported as a fraction, as are days the telescope
// has no state coverage at all (no events near that day means no data, not
// zero availability).
func PerDayAvailability(states map[models.TelescopeKey][]models.StateInterval, visible []Span, start, end time.Time) map[models.TelescopeKey][]DayAvailability {
	out := make(map[models.TelescopeKey][]DayAvailability, len(states))

	for day := start.Truncate(24 * time.Hour); day.Before(end); day = day.Add(24 * time.Hour) {
		daySpan := Span{Start: day, End: day.Add(24 * time.Hour)}

		var dayVisible []Span
		var totalVisible time.Duration
		for _, sp := range visible {
			clipped := sp.Intersect(daySpan)
			if d := clipped.Duration(); d > 0 {
				dayVisible = append(dayVisible, clipped)
				totalVisible += d
			}
		}
		if totalVisible <= 0 {
			continue
		}

		for key, intervals := range states {
			if !coversDay(intervals, daySpan) {
				continue
			}
			available := OverlapWithSpans(intervals, dayVisible)
			out[key] = append(out[key], DayAvailability{
				Day:      day,
				Fraction: available.Seconds() / totalVisible.Seconds(),
			})
		}
	}
	return out
}

func coversDay(intervals []models.StateInterval, day Span) bool {
	for _, iv := range intervals {
		if iv.Start.Before(day.End) && iv.End.After(day.Start) {
			return true
		}
	}
	return false
}

// CombineByClass groups per-telescope availability under (site, class) keys
// and averages the fractions of the members present on each day.
func CombineByClass(perTelescope map[models.TelescopeKey][]DayAvailability) map[models.TelescopeKey][]DayAvailability {
	type bucket struct {
		sum   float64
		count int
	}
	perClass := make(map[models.TelescopeKey]map[time.Time]*bucket)

	for key, days := range perTelescope {
		classKey := key.ClassKey()
		if perClass[classKey] == nil {
			perClass[classKey] = make(map[time.Time]*bucket)
		}
		for _, d := range days {
			b := perClass[classKey][d.Day]
			if b == nil {
				b = &bucket{}
				perClass[classKey][d.Day] = b
			}
			b.sum += d.Fraction
			b.count++
		}
	}

	out := make(map[models.TelescopeKey][]DayAvailability, len(perClass))
	for classKey, byDay := range perClass {
		days := make([]time.Time, 0, len(byDay))
		for day := range byDay {
			days = append(days, day)
		}
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
		for _, day := range days {
			b := byDay[day]
			out[classKey] = append(out[classKey], DayAvailability{
				Day:      day,
				Fraction: b.sum / float64(b.count),
			})
		}
	}
	return out
}
