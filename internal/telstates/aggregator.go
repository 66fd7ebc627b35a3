package telstates

import (
	"context"
	"fmt"
	"time"

	"github.com/obsportal/obsportal/internal/models"
)

// EventSource supplies raw telescope status events for a time range.
type EventSource interface {
	FetchRawEvents(ctx context.Context, start, end time.Time) ([]models.RawEvent, error)
}

// VisibilityProvider supplies the externally computed dark/visible intervals
// for a site.
type VisibilityProvider interface {
	SiteIntervals(ctx context.Context, site string, start, end time.Time) ([]Span, error)
}

// Aggregator composes the interval merger and visibility intersection per
// physical telescope, producing per-day and per-class availability.
type Aggregator struct {
	events     EventSource
	visibility VisibilityProvider
	ignored    map[string]bool
}

func NewAggregator(events EventSource, visibility VisibilityProvider, ignoredEventTypes []string) *Aggregator {
	ignored := make(map[string]bool, len(ignoredEventTypes))
	for _, t := range ignoredEventTypes {
		ignored[t] = true
	}
	return &Aggregator{events: events, visibility: visibility, ignored: ignored}
}

// TelescopeStates fetches and merges raw events into state intervals per
// telescope key.
func (a *Aggregator) TelescopeStates(ctx context.Context, start, end time.Time) (map[models.TelescopeKey][]models.StateInterval, error) {
	events, err := a.events.FetchRawEvents(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch raw telescope events: %w", err)
	}
	return MergeIntervals(events, a.ignored), nil
}

// AvailabilityPerDay computes the per-day AVAILABLE fraction for every
// telescope that reported state in [start, end). Visibility is resolved per
// site, once.
func (a *Aggregator) AvailabilityPerDay(ctx context.Context, start, end time.Time) (map[models.TelescopeKey][]DayAvailability, error) {
	states, err := a.TelescopeStates(ctx, start, end)
	if err != nil {
		return nil, err
	}

	bySite := make(map[string]map[models.TelescopeKey][]models.StateInterval)
	for key, intervals := range states {
		if bySite[key.Site] == nil {
			bySite[key.Site] = make(map[models.TelescopeKey][]models.StateInterval)
		}
		bySite[key.Site][key] = intervals
	}

	out := make(map[models.TelescopeKey][]DayAvailability, len(states))
	for site, siteStates := range bySite {
		visible, err := a.visibility.SiteIntervals(ctx, site, start, end)
		if err != nil {
			return nil, fmt.Errorf("visibility for site %s: %w", site, err)
		}
		for key, days := range PerDayAvailability(siteStates, visible, start, end) {
			out[key] = days
		}
	}
	return out, nil
}

// AvailabilityByClass rolls per-telescope availability up to
// (site, telescope class) keys.
func (a *Aggregator) AvailabilityByClass(ctx context.Context, start, end time.Time) (map[models.TelescopeKey][]DayAvailability, error) {
	perTelescope, err := a.AvailabilityPerDay(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return CombineByClass(perTelescope), nil
}
