package explorer

import (
	"context"
	"errors"

	"github.com/openvariant/variant/pkg/analysis"
	"github.com/openvariant/variant/pkg/checkpoint"
	"github.com/openvariant/variant/pkg/graph"
	"github.com/openvariant/variant/pkg/machine"
	"github.com/openvariant/variant/pkg/resilience"
	"github.com/openvariant/variant/pkg/resilient"
)

// Exploration states.
const (
	StateIdle              machine.StateID = "IDLE"
	StateInitializing      machine.StateID = "INITIALIZING"
	StateAnalyzingRoot     machine.StateID = "ANALYZING_ROOT"
	StateProcessingQueue   machine.StateID = "PROCESSING_QUEUE"
	StateAnalyzingPosition machine.StateID = "ANALYZING_POSITION"
	StatePaused            machine.StateID = "PAUSED"
	StateBuildingGraph     machine.StateID = "BUILDING_GRAPH"
	StateStoringResults    machine.StateID = "STORING_RESULTS"
	StateCompleted         machine.StateID = "COMPLETED"
	StateError             machine.StateID = "ERROR"
	StateCancelled         machine.StateID = "CANCELLED"
)

// Exploration events.
const (
	EventStartExploration machine.EventType = "START_EXPLORATION"
	EventInitialized      machine.EventType = "INITIALIZED"
	EventAnalysisComplete machine.EventType = "ANALYSIS_COMPLETE"
	EventPositionSelected machine.EventType = "POSITION_SELECTED"
	EventQueueEmpty       machine.EventType = "QUEUE_EMPTY"
	EventAnalysisError    machine.EventType = "ANALYSIS_ERROR"
	EventRetry            machine.EventType = "RETRY"
	EventGraphBuilt       machine.EventType = "GRAPH_BUILT"
	EventResultsStored    machine.EventType = "RESULTS_STORED"
	EventPause            machine.EventType = "PAUSE"
	EventResume           machine.EventType = "RESUME"
	EventCancel           machine.EventType = "CANCEL"
	EventError            = resilient.EventError
)

// MachineName names the exploration machine in logs and bus events.
const MachineName = "exploration"

// Outcome is the payload of ANALYSIS_COMPLETE.
type Outcome struct {
	Item   checkpoint.FrontierItem
	Result *analysis.Result

	// Children are the positions along the expanded principal variation,
	// in move order. Each child's ParentNodeID is the position it was reached from.
	Children []checkpoint.FrontierItem

	// Cached marks a result served from the analysis cache.
	Cached bool
}

func outcomeOf(ev machine.Event) *Outcome {
	o, _ := ev.Payload.(*Outcome)
	return o
}

// canStartExploration requires a root position and positive budgets.
func canStartExploration(_ context.Context, x *Exploration, _ machine.Event) (bool, error) {
	c := x.Config()
	return c.RootFEN != "" && c.MaxDepth > 0 && c.MaxNodes > 0 && c.TimeLimit > 0, nil
}

// canAnalyzePosition requires the head of the frontier to be unseen,
// within the depth limit, and the node budget not to be exhausted.
func canAnalyzePosition(_ context.Context, x *Exploration, _ machine.Event) (bool, error) {
	head, ok := x.peek()
	if !ok {
		return false, nil
	}
	unseen := !x.isProcessed(head.FEN)
	return unseen && isWithinDepthLimit(x, head.Depth) && isWithinNodeLimit(x), nil
}

// isWithinDepthLimit reports whether a position at depth may be analysed.
func isWithinDepthLimit(x *Exploration, depth int) bool {
	return depth < x.Config().MaxDepth
}

// isWithinNodeLimit reports whether another position may be analysed.
func isWithinNodeLimit(x *Exploration) bool {
	return x.processedCount() < x.Config().MaxNodes
}

// canContinueExploration holds while positions remain queued, counting the
// children an ANALYSIS_COMPLETE payload is about to add, and the node
// budget is not exhausted.
func canContinueExploration(_ context.Context, x *Exploration, ev machine.Event) (bool, error) {
	pending := x.FrontierLen()
	if o := outcomeOf(ev); o != nil {
		pending += len(x.admissible(o.Children))
	}
	return pending > 0 && isWithinNodeLimit(x) && !x.budgetExhausted(), nil
}

// shouldComplete holds when the frontier is empty, the node budget is
// exhausted, or the time budget has run out.
func shouldComplete(ctx context.Context, x *Exploration, ev machine.Event) (bool, error) {
	ok, err := canContinueExploration(ctx, x, ev)
	return !ok, err
}

// canRetry holds while the consecutive failure count is under MaxRetries.
func canRetry(_ context.Context, x *Exploration, _ machine.Event) (bool, error) {
	return x.Retries() < x.Config().MaxRetries, nil
}

func (x *Exploration) isProcessed(fen string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.seen[fen]
}

// definition declares the exploration graph. Transitions are matched in
// declaration order, so guarded alternatives come first.
func (e *Explorer) definition() machine.Definition[*Exploration] {
	analyzing := []machine.StateID{StateAnalyzingRoot, StateAnalyzingPosition}

	d := machine.Definition[*Exploration]{
		Name:    MachineName,
		Initial: StateIdle,
		States: []machine.State{
			{ID: StateIdle, Name: "IDLE"},
			{ID: StateInitializing, Name: "INITIALIZING"},
			{ID: StateAnalyzingRoot, Name: "ANALYZING_ROOT"},
			{ID: StateProcessingQueue, Name: "PROCESSING_QUEUE"},
			{ID: StateAnalyzingPosition, Name: "ANALYZING_POSITION"},
			{ID: StatePaused, Name: "PAUSED"},
			{ID: StateBuildingGraph, Name: "BUILDING_GRAPH"},
			{ID: StateStoringResults, Name: "STORING_RESULTS"},
			{ID: StateCompleted, Name: "COMPLETED", Final: true},
			{ID: StateError, Name: "ERROR", Final: true},
			{ID: StateCancelled, Name: "CANCELLED", Final: true},
		},
		Transitions: []machine.Transition[*Exploration]{
			{From: StateIdle, To: StateInitializing, On: EventStartExploration, Guard: canStartExploration, Action: e.start},
			{From: StateInitializing, To: StateAnalyzingRoot, On: EventInitialized, Action: e.initialize},

			{From: StateProcessingQueue, To: StateAnalyzingPosition, On: EventPositionSelected, Guard: canAnalyzePosition, Action: e.selectPosition},
			{From: StateProcessingQueue, To: StateProcessingQueue, On: EventPositionSelected, Action: e.skipPosition},
			{From: StateProcessingQueue, To: StateBuildingGraph, On: EventQueueEmpty, Guard: shouldComplete},
			{From: StateProcessingQueue, To: StateProcessingQueue, On: EventRetry},
			{From: StateProcessingQueue, To: StatePaused, On: EventPause},
			{From: StatePaused, To: StateProcessingQueue, On: EventResume},

			{From: StateBuildingGraph, To: StateStoringResults, On: EventGraphBuilt, Action: e.saveGraph},
			{From: StateStoringResults, To: StateCompleted, On: EventResultsStored, Action: e.storeResults},

			{From: machine.Wildcard, To: StateCancelled, On: EventCancel},
			{From: machine.Wildcard, To: StateError, On: EventError, Action: e.recordFailure},
		},
	}

	for _, from := range analyzing {
		d.Transitions = append(d.Transitions,
			machine.Transition[*Exploration]{From: from, To: StateBuildingGraph, On: EventAnalysisComplete, Guard: shouldComplete, Action: e.recordAnalysis},
			machine.Transition[*Exploration]{From: from, To: StateProcessingQueue, On: EventAnalysisComplete, Guard: canContinueExploration, Action: e.recordAnalysis},
			machine.Transition[*Exploration]{From: from, To: StateProcessingQueue, On: EventAnalysisError, Guard: canRetry, Action: e.scheduleRetry},
			machine.Transition[*Exploration]{From: from, To: StateError, On: EventAnalysisError, Action: e.recordFailure},
		)
	}
	return d
}

func (e *Explorer) start(_ context.Context, x *Exploration, _ machine.Event) error {
	x.seed()
	return nil
}

func (e *Explorer) initialize(ctx context.Context, x *Exploration, _ machine.Event) error {
	ready, err := e.engine.IsReady(ctx)
	if err != nil {
		return resilience.NewWithDetail("engine readiness check failed", err, resilience.EngineDetail{EngineSlug: e.slug})
	}
	if !ready {
		return resilience.NewWithDetail("engine not ready", nil, resilience.EngineDetail{EngineSlug: e.slug})
	}
	if _, ok := x.take(); !ok {
		return resilience.New(resilience.CategoryState, "frontier has no root position", nil)
	}
	return nil
}

func (e *Explorer) selectPosition(_ context.Context, x *Exploration, _ machine.Event) error {
	if _, ok := x.take(); !ok {
		return resilience.New(resilience.CategoryState, "frontier is empty", nil)
	}
	return nil
}

func (e *Explorer) skipPosition(_ context.Context, x *Exploration, _ machine.Event) error {
	x.drop()
	return nil
}

// recordAnalysis persists the analysis and its graph edges before the
// context is updated, so a failed write can be retried without double counting.
func (e *Explorer) recordAnalysis(ctx context.Context, x *Exploration, ev machine.Event) error {
	o := outcomeOf(ev)
	if o == nil || o.Result == nil {
		return resilience.New(resilience.CategoryValidation, "analysis complete without a result", nil)
	}

	if e.store != nil && !o.Cached {
		if err := e.store.StoreAnalysis(ctx, o.Result); err != nil {
			return resilience.NewWithDetail("store analysis", err, resilience.StorageDetail{Operation: "store_analysis", Table: "analyses"})
		}
	}

	if e.graph != nil {
		for i, ch := range o.Children {
			opts := graph.MoveOptions{
				ToFEN:      ch.FEN,
				Depth:      o.Item.Depth + i,
				EngineSlug: e.slug,
			}
			if i == 0 {
				score := o.Result.Score
				opts.Score = &score
				opts.Best = true
			}
			if err := e.graph.AddMove(ctx, ch.ParentNodeID, ch.Move, opts); err != nil {
				return resilience.NewWithDetail("add move to graph", err, resilience.GraphDetail{FEN: ch.ParentNodeID, Move: ch.Move})
			}
		}
	}

	x.complete(o)
	return nil
}

func (e *Explorer) scheduleRetry(_ context.Context, x *Exploration, ev machine.Event) error {
	err, _ := ev.Payload.(error)
	x.requeue(err)
	e.mu.Lock()
	e.retryDue = true
	e.mu.Unlock()
	return nil
}

func (e *Explorer) recordFailure(_ context.Context, x *Exploration, ev machine.Event) error {
	err, _ := ev.Payload.(error)
	if err == nil {
		err = errors.New("exploration failed")
	}
	x.fail(err)
	e.setLastError(err)
	return nil
}

func (e *Explorer) saveGraph(ctx context.Context, _ *Exploration, _ machine.Event) error {
	if e.graph == nil {
		return nil
	}
	if err := e.graph.Save(ctx); err != nil {
		return resilience.NewWithDetail("save graph", err, resilience.GraphDetail{})
	}
	return nil
}

func (e *Explorer) storeResults(ctx context.Context, x *Exploration, _ machine.Event) error {
	stats := x.Stats()
	e.logger.Info().
		Int("analyzed", stats.TotalAnalyzed).
		Int("discovered", stats.TotalDiscovered).
		Int("cache_hits", stats.CacheHits).
		Int("retries", stats.RetryCount).
		Msg("exploration results stored")
	if e.progress != nil {
		e.progress.Log(ctx, "info", "exploration results stored", map[string]any{
			"analyzed":   stats.TotalAnalyzed,
			"discovered": stats.TotalDiscovered,
		})
	}
	return nil
}
