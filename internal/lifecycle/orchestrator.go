package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsportal/obsportal/internal/models"
	"github.com/obsportal/obsportal/internal/pond"
	"github.com/obsportal/obsportal/internal/state"
	"github.com/obsportal/obsportal/internal/store"
)

type OrchestratorConfig struct {
	Store  store.Store
	Source pond.Source
	Logger *log.Logger
	// Workers is the number of concurrent group evaluations. Defaults to 4
	// if <= 0.
	Workers int
	Now     func() time.Time
}

// Orchestrator drives periodic batch evaluation: it pulls execution records
// reported since the last poll, partitions them by group, and re-derives
// request and group states inside one transaction per group. Groups with no
// new evidence are still swept so window expiry lands without any.
type Orchestrator struct {
	store   store.Store
	source  pond.Source
	logger  *log.Logger
	workers int
	now     func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: store required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("orchestrator: record source required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		store:   cfg.Store,
		source:  cfg.Source,
		logger:  cfg.Logger,
		workers: cfg.Workers,
		now:     cfg.Now,
	}, nil
}

// BatchResult summarizes one RunBatch pass. Failed holds per-group errors;
// a failed group never aborts the rest of the batch.
type BatchResult struct {
	Evaluated int
	Changed   int
	Failed    map[uuid.UUID]error
}

// RunBatch evaluates every group with new execution records since the cursor,
// plus every group still in a non-terminal state.
func (o *Orchestrator) RunBatch(ctx context.Context, since time.Time) (BatchResult, error) {
	result := BatchResult{Failed: map[uuid.UUID]error{}}

	records, err := o.source.FetchSince(ctx, since)
	if err != nil {
		return result, fmt.Errorf("fetch execution records: %w", err)
	}

	byGroup := map[uuid.UUID]map[uuid.UUID][]models.ExecutionRecord{}
	for _, rec := range records {
		if byGroup[rec.GroupID] == nil {
			byGroup[rec.GroupID] = map[uuid.UUID][]models.ExecutionRecord{}
		}
		byGroup[rec.GroupID][rec.RequestID] = append(byGroup[rec.GroupID][rec.RequestID], rec)
	}

	pending, err := o.store.PendingGroupIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("list pending groups: %w", err)
	}
	for _, id := range pending {
		if byGroup[id] == nil {
			byGroup[id] = map[uuid.UUID][]models.ExecutionRecord{}
		}
	}

	ids := make(chan uuid.UUID)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				changed, err := o.evaluateGroup(ctx, id, byGroup[id])
				mu.Lock()
				result.Evaluated++
				result.Changed += changed
				if err != nil {
					result.Failed[id] = err
					o.logger.Printf("group %s evaluation failed: %v", id, err)
				}
				mu.Unlock()
			}
		}()
	}
	for id := range byGroup {
		ids <- id
	}
	close(ids)
	wg.Wait()

	return result, nil
}

// evaluateGroup re-derives every member request's state from the evidence and
// rolls the results up to the group, all inside the group's transaction. It
// returns the number of state changes it persisted.
func (o *Orchestrator) evaluateGroup(ctx context.Context, groupID uuid.UUID, recordsByRequest map[uuid.UUID][]models.ExecutionRecord) (int, error) {
	now := o.now().UTC()
	changed := 0
	err := o.store.EvaluateGroup(ctx, groupID, func(ctx context.Context, tx store.Tx) error {
		group, err := tx.Group(ctx)
		if err != nil {
			return err
		}
		if group.State.Terminal() {
			return nil
		}
		requests, err := tx.Requests(ctx)
		if err != nil {
			return err
		}

		groupExpired := true
		for _, req := range requests {
			if !req.WindowsExpired(now) {
				groupExpired = false
				break
			}
		}

		memberStates := make([]models.RequestState, 0, len(requests))
		for _, req := range requests {
			recs := recordsByRequest[req.ID]
			next, stateChanged := state.Derive(req.State, req.Windows, recs, groupExpired, now)

			if fails, scheduled := evidenceCounts(recs, now); fails > 0 || scheduled > 0 {
				if err := tx.IncrementCounts(ctx, req.ID, fails, scheduled); err != nil {
					return err
				}
			}

			if stateChanged {
				completed := req.Completed
				if next == models.StateCompleted {
					t := now
					completed = &t
				}
				if err := tx.UpdateRequestState(ctx, req.ID, next, completed); err != nil {
					return err
				}
				if err := applyTransition(ctx, tx, group, req, next, now, o.logger); err != nil {
					return err
				}
				changed++
			}
			memberStates = append(memberStates, next)
		}

		groupState := state.Aggregate(group.Operator, memberStates)
		if groupState != group.State {
			if err := tx.UpdateGroupState(ctx, groupState, now); err != nil {
				return err
			}
			changed++
			// Once the group is fulfilled, reservations held by members
			// that will never run are returned.
			if groupState == models.StateCompleted {
				for i, req := range requests {
					if memberStates[i] == models.StateCompleted {
						continue
					}
					if err := refundUnusedReservation(ctx, tx, group, req, memberStates[i], now, o.logger); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// Group vanished between listing and evaluation; nothing to do.
		return 0, nil
	}
	return changed, err
}

// evidenceCounts tallies how many records are scheduling evidence and how
// many of those are failure evidence, for the request's counters.
func evidenceCounts(records []models.ExecutionRecord, now time.Time) (fails, scheduled int) {
	for _, rec := range records {
		scheduled++
		if rec.Start.After(now) {
			continue
		}
		if rec.AllComplete() && !rec.Canceled {
			continue
		}
		if rec.AnyFailed() || rec.End.Before(now) {
			fails++
		}
	}
	return fails, scheduled
}

func refundUnusedReservation(ctx context.Context, tx store.Tx, group models.RequestGroup, req models.Request, current models.RequestState, now time.Time, logger *log.Logger) error {
	if req.IppCredited || req.IppReservedHours <= 0 || current.Terminal() {
		return nil
	}
	frozen := req
	frozen.State = current
	return applyTransition(ctx, tx, group, frozen, models.StateCanceled, now, logger)
}
