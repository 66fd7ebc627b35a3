package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/obsportal/obsportal/internal/config"
	"github.com/obsportal/obsportal/internal/ledger"
	"github.com/obsportal/obsportal/internal/models"
	"github.com/obsportal/obsportal/internal/state"
	"github.com/obsportal/obsportal/internal/store"
	"github.com/obsportal/obsportal/internal/visibility"
)

// ValidationError reports a rejected submission. Nothing is persisted when
// one is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type ServiceConfig struct {
	Store      store.Store
	Visibility visibility.Provider
	Topology   *config.Snapshot
	Logger     *log.Logger
	// Now overrides the clock; tests use it.
	Now func() time.Time
}

// Service handles the synchronous side of the request lifecycle: validated
// submission with its provisional debit, and cancellation.
type Service struct {
	store      store.Store
	visibility visibility.Provider
	topology   *config.Snapshot
	logger     *log.Logger
	now        func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycle: store required")
	}
	if cfg.Topology == nil {
		return nil, fmt.Errorf("lifecycle: topology snapshot required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:      cfg.Store,
		visibility: cfg.Visibility,
		topology:   cfg.Topology,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

type WindowInput struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type SubmitRequestInput struct {
	Location      models.Location `json:"location"`
	Target        json.RawMessage `json:"target,omitempty"`
	Constraints   json.RawMessage `json:"constraints,omitempty"`
	DurationHours float64         `json:"durationHours"`
	Windows       []WindowInput   `json:"windows"`
}

type SubmitGroupInput struct {
	Name            string                 `json:"name"`
	Proposal        string                 `json:"proposal"`
	Semester        string                 `json:"semester"`
	Submitter       string                 `json:"submitter"`
	Operator        models.Operator        `json:"operator"`
	ObservationType models.ObservationType `json:"observationType"`
	IppValue        float64                `json:"ippValue"`
	Requests        []SubmitRequestInput   `json:"requests"`
}

// Submit validates the whole group, then persists it and applies the
// submission-time boost debit in one transaction. Every check runs before any
// row is written.
func (s *Service) Submit(ctx context.Context, in SubmitGroupInput) (models.RequestGroup, []models.Request, error) {
	now := s.now().UTC()

	if err := s.validateShape(in); err != nil {
		return models.RequestGroup{}, nil, err
	}

	group := models.RequestGroup{
		ID:              uuid.New(),
		Name:            in.Name,
		Proposal:        in.Proposal,
		Semester:        in.Semester,
		Submitter:       in.Submitter,
		Operator:        in.Operator,
		ObservationType: in.ObservationType,
		IppValue:        in.IppValue,
		State:           models.StatePending,
		Created:         now,
		Modified:        now,
	}

	requests := make([]models.Request, 0, len(in.Requests))
	for i, reqIn := range in.Requests {
		req, err := s.buildRequest(ctx, group, reqIn, now)
		if err != nil {
			return models.RequestGroup{}, nil, fmt.Errorf("request %d: %w", i, err)
		}
		requests = append(requests, req)
	}

	if err := s.validateAllocations(ctx, group, requests); err != nil {
		return models.RequestGroup{}, nil, err
	}

	err := s.store.CreateGroup(ctx, group, requests, func(ctx context.Context, tx store.Tx) error {
		return s.applySubmissionDebit(ctx, tx, requests, now)
	})
	if err != nil {
		return models.RequestGroup{}, nil, fmt.Errorf("persist group: %w", err)
	}
	s.logger.Printf("submitted group %s (%s, %d requests, ipp %.3f)", group.ID, group.Operator, len(requests), group.IppValue)
	return group, requests, nil
}

func (s *Service) validateShape(in SubmitGroupInput) error {
	if !in.Operator.Valid() {
		return validationErrorf("unknown operator %q", in.Operator)
	}
	switch in.Operator {
	case models.OperatorSingle:
		if len(in.Requests) != 1 {
			return validationErrorf("operator SINGLE requires exactly one child request, got %d", len(in.Requests))
		}
	case models.OperatorMany, models.OperatorOneOf:
		if len(in.Requests) <= 1 {
			return validationErrorf("operator %s requires more than one child request", in.Operator)
		}
	}
	if in.IppValue < ledger.MinIppValue || in.IppValue > ledger.MaxIppValue {
		return &ledger.TimeAllocationError{Msg: fmt.Sprintf(
			"ipp_value of %.3f is out of range, must be between %.1f and %.1f",
			in.IppValue, ledger.MinIppValue, ledger.MaxIppValue)}
	}
	if in.ObservationType != models.ObservationNormal && in.ObservationType != models.ObservationToO {
		return validationErrorf("unknown observation type %q", in.ObservationType)
	}
	return nil
}

func (s *Service) buildRequest(ctx context.Context, group models.RequestGroup, in SubmitRequestInput, now time.Time) (models.Request, error) {
	if in.DurationHours <= 0 {
		return models.Request{}, validationErrorf("duration must be positive")
	}
	if len(in.Windows) == 0 {
		return models.Request{}, validationErrorf("at least one window required")
	}
	for _, w := range in.Windows {
		if !w.End.After(w.Start) {
			return models.Request{}, validationErrorf("window end must be after window start")
		}
		if !w.End.After(now) {
			return models.Request{}, validationErrorf("window end must be in the future")
		}
	}

	class, ok := s.topology.TelescopeClass(in.Location.Site, in.Location.Enclosure, in.Location.Telescope)
	if !ok {
		return models.Request{}, validationErrorf("location %s.%s.%s does not exist in the telescope network",
			in.Location.Site, in.Location.Enclosure, in.Location.Telescope)
	}

	req := models.Request{
		ID:      uuid.New(),
		GroupID: group.ID,
		State:   models.StatePending,
		Location: models.Location{
			Site:           in.Location.Site,
			Enclosure:      in.Location.Enclosure,
			Telescope:      in.Location.Telescope,
			TelescopeClass: class,
		},
		Target:           in.Target,
		Constraints:      in.Constraints,
		DurationHours:    in.DurationHours,
		IppReservedHours: ledger.ReservedHours(group.IppValue, in.DurationHours),
		Created:          now,
	}
	for _, w := range in.Windows {
		req.Windows = append(req.Windows, models.Window{
			ID:        uuid.New(),
			RequestID: req.ID,
			Start:     w.Start,
			End:       w.End,
		})
	}

	if s.visibility != nil {
		spans, err := s.visibility.RequestIntervals(ctx, req)
		if err != nil {
			return models.Request{}, fmt.Errorf("resolve target visibility: %w", err)
		}
		largest := visibility.LargestInterval(spans)
		needed := time.Duration(req.DurationHours * float64(time.Hour))
		if largest < needed {
			return models.Request{}, validationErrorf(
				"the target is never visible for the observation duration within the given windows")
		}
	}
	return req, nil
}

// validateAllocations checks, per telescope class, that enough observing time
// remains and that the boost debit fits. MANY sums member durations, ONEOF
// charges for the longest member, SINGLE for its only member.
func (s *Service) validateAllocations(ctx context.Context, group models.RequestGroup, requests []models.Request) error {
	perClass := map[string]float64{}
	for _, req := range requests {
		switch group.Operator {
		case models.OperatorOneOf:
			if req.DurationHours > perClass[req.Location.TelescopeClass] {
				perClass[req.Location.TelescopeClass] = req.DurationHours
			}
		default:
			perClass[req.Location.TelescopeClass] += req.DurationHours
		}
	}

	for class, totalHours := range perClass {
		alloc, err := s.store.TimeAllocation(ctx, group.Proposal, group.Semester, class)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return validationErrorf("proposal %s has no time allocated on %s telescopes for semester %s",
					group.Proposal, class, group.Semester)
			}
			return fmt.Errorf("resolve time allocation: %w", err)
		}

		var remaining float64
		if group.ObservationType == models.ObservationToO {
			remaining = alloc.TooAllocation - alloc.TooTimeUsed
		} else {
			remaining = alloc.StdAllocation - alloc.StdTimeUsed
		}
		if totalHours > remaining {
			return validationErrorf("not enough %s time remaining on proposal %s for %s telescopes (%.3f requested, %.3f available)",
				group.ObservationType, group.Proposal, class, totalHours, remaining)
		}

		if err := ledger.ValidateDebit(alloc, group.IppValue, totalHours); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applySubmissionDebit(ctx context.Context, tx store.Tx, requests []models.Request, now time.Time) error {
	for _, req := range requests {
		if req.IppReservedHours <= 0 {
			continue
		}
		inserted, err := tx.RecordLedgerEntry(ctx, req.ID, string(ledger.KindSubmissionDebit), -req.IppReservedHours, now)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}
		alloc, err := tx.TimeAllocation(ctx, req.Location.TelescopeClass)
		if err != nil {
			return err
		}
		ledger.Apply(&alloc, -req.IppReservedHours, s.logger)
		if err := tx.SetIppTimeAvailable(ctx, alloc.ID, alloc.IppTimeAvailable); err != nil {
			return err
		}
	}
	return nil
}

// Cancel moves every non-terminal member of the group to CANCELED, returning
// unspent reserved time, then re-aggregates the group state.
func (s *Service) Cancel(ctx context.Context, groupID uuid.UUID) error {
	now := s.now().UTC()
	err := s.store.EvaluateGroup(ctx, groupID, func(ctx context.Context, tx store.Tx) error {
		group, err := tx.Group(ctx)
		if err != nil {
			return err
		}
		if group.State.Terminal() {
			return validationErrorf("group %s is already %s", groupID, group.State)
		}
		requests, err := tx.Requests(ctx)
		if err != nil {
			return err
		}

		memberStates := make([]models.RequestState, 0, len(requests))
		for _, req := range requests {
			next := req.State
			if !req.State.Terminal() {
				next = models.StateCanceled
				if err := tx.UpdateRequestState(ctx, req.ID, next, req.Completed); err != nil {
					return err
				}
				if err := applyTransition(ctx, tx, group, req, next, now, s.logger); err != nil {
					return err
				}
			}
			memberStates = append(memberStates, next)
		}

		groupState := state.Aggregate(group.Operator, memberStates)
		if groupState != group.State {
			return tx.UpdateGroupState(ctx, groupState, now)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Printf("canceled group %s", groupID)
	return nil
}

// applyTransition records the ledger consequence of one request state change,
// if it has one. The ledger entry's uniqueness makes replays no-ops.
func applyTransition(ctx context.Context, tx store.Tx, group models.RequestGroup, req models.Request, next models.RequestState, now time.Time, logger *log.Logger) error {
	earnback := ledger.EarnbackHours(group.IppValue, req.DurationHours)
	adj := ledger.ForTransition(req.State, next, req.IppReservedHours, earnback, req.IppCredited)
	if adj == nil {
		return nil
	}
	inserted, err := tx.RecordLedgerEntry(ctx, req.ID, string(adj.Kind), adj.Delta, now)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	alloc, err := tx.TimeAllocation(ctx, req.Location.TelescopeClass)
	if err != nil {
		return err
	}
	ledger.Apply(&alloc, adj.Delta, logger)
	if err := tx.SetIppTimeAvailable(ctx, alloc.ID, alloc.IppTimeAvailable); err != nil {
		return err
	}
	if adj.Credited != req.IppCredited {
		if err := tx.SetRequestCredited(ctx, req.ID, adj.Credited); err != nil {
			return err
		}
	}
	return nil
}
