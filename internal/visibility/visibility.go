package visibility

import (
	"context"
	"time"

	"github.com/obsportal/obsportal/internal/models"
	"github.com/obsportal/obsportal/internal/telstates"
)

// Provider answers visibility questions: when a site is observable at all,
// and when a specific request's target is observable inside its windows. The
// ephemeris math lives in an external service; this package only fetches.
type Provider interface {
	SiteIntervals(ctx context.Context, site string, start, end time.Time) ([]telstates.Span, error)
	RequestIntervals(ctx context.Context, req models.Request) ([]telstates.Span, error)
}

// LargestInterval returns the longest span, or zero when there are none.
func LargestInterval(spans []telstates.Span) time.Duration {
	var largest time.Duration
	for _, sp := range spans {
		if d := sp.Duration(); d > largest {
			largest = d
		}
	}
	return largest
}

// Static serves fixed intervals; used by tests and local runs without the
// visibility service.
type Static struct {
	Spans []telstates.Span
}

func (s Static) SiteIntervals(ctx context.Context, site string, start, end time.Time) ([]telstates.Span, error) {
	return s.Spans, nil
}

func (s Static) RequestIntervals(ctx context.Context, req models.Request) ([]telstates.Span, error) {
	return s.Spans, nil
}
