package explorer

import (
	"sort"
	"sync"
	"time"

	"github.com/openvariant/variant/pkg/checkpoint"
)

// Exploration is the machine context: the frontier, the processed set and
// the counters. Its methods are safe for concurrent use so the checkpoint
// task and progress readers can observe it while the driver runs.
type Exploration struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	frontier  []checkpoint.FrontierItem
	queued    map[string]bool
	processed []string
	seen      map[string]bool
	depths    map[string]int
	stats     checkpoint.Stats
	current   *checkpoint.FrontierItem
	depth     int
	lastError string

	// retries counts consecutive analysis failures. It resets on success.
	retries int

	// budgetStart anchors the time budget. It is not checkpointed, so a
	// resumed exploration gets a fresh time budget.
	budgetStart time.Time
}

// NewExploration creates an empty exploration context.
func NewExploration(cfg Config, now func() time.Time) *Exploration {
	if now == nil {
		now = time.Now
	}
	return &Exploration{
		config: cfg,
		now:    now,
		queued: make(map[string]bool),
		seen:   make(map[string]bool),
		depths: make(map[string]int),
	}
}

// Config returns the exploration bounds.
func (x *Exploration) Config() Config {
	return x.config
}

// seed resets the traversal to the root position.
func (x *Exploration) seed() {
	x.mu.Lock()
	defer x.mu.Unlock()

	root := checkpoint.FrontierItem{FEN: x.config.RootFEN, Depth: 0}
	x.frontier = []checkpoint.FrontierItem{root}
	x.queued = map[string]bool{root.FEN: true}
	x.processed = nil
	x.seen = make(map[string]bool)
	x.depths = map[string]int{root.FEN: 0}
	x.current = nil
	x.depth = 0
	x.retries = 0
	x.lastError = ""
	now := x.now()
	x.stats = checkpoint.Stats{TotalDiscovered: 1, StartedAt: now}
	x.budgetStart = now
}

// startBudget anchors the time budget if it is not running yet.
func (x *Exploration) startBudget() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.budgetStart.IsZero() {
		x.budgetStart = x.now()
	}
}

// peek returns the head of the frontier.
func (x *Exploration) peek() (checkpoint.FrontierItem, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.frontier) == 0 {
		return checkpoint.FrontierItem{}, false
	}
	return x.frontier[0], true
}

// take pops the head of the frontier and marks it processed.
func (x *Exploration) take() (checkpoint.FrontierItem, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.frontier) == 0 {
		return checkpoint.FrontierItem{}, false
	}
	item := x.frontier[0]
	x.frontier = x.frontier[1:]
	delete(x.queued, item.FEN)

	x.seen[item.FEN] = true
	x.processed = append(x.processed, item.FEN)
	x.current = &item
	if item.Depth > x.depth {
		x.depth = item.Depth
	}
	return item, true
}

// drop discards the head of the frontier without processing it.
func (x *Exploration) drop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.frontier) == 0 {
		return
	}
	delete(x.queued, x.frontier[0].FEN)
	x.frontier = x.frontier[1:]
}

// Current returns the position being analysed, if any.
func (x *Exploration) Current() (checkpoint.FrontierItem, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.current == nil {
		return checkpoint.FrontierItem{}, false
	}
	return *x.current, true
}

// admissible returns the children that would be queued: unprocessed, not
// already queued, not repeated, and with depth+1 < MaxDepth relative to the
// analysed parent.
func (x *Exploration) admissible(children []checkpoint.FrontierItem) []checkpoint.FrontierItem {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.admissibleLocked(children)
}

func (x *Exploration) admissibleLocked(children []checkpoint.FrontierItem) []checkpoint.FrontierItem {
	var out []checkpoint.FrontierItem
	batch := make(map[string]bool, len(children))
	for _, ch := range children {
		if ch.Depth >= x.config.MaxDepth || x.seen[ch.FEN] || x.queued[ch.FEN] || batch[ch.FEN] {
			continue
		}
		batch[ch.FEN] = true
		out = append(out, ch)
	}
	return out
}

// complete records a finished analysis of the current position and queues
// its admissible children.
func (x *Exploration) complete(o *Outcome) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, ch := range o.Children {
		if d, ok := x.depths[ch.FEN]; !ok || ch.Depth < d {
			x.depths[ch.FEN] = ch.Depth
		}
	}
	for _, ch := range x.admissibleLocked(o.Children) {
		x.frontier = append(x.frontier, ch)
		x.queued[ch.FEN] = true
		x.stats.TotalDiscovered++
	}
	x.stats.TotalAnalyzed++
	if o.Cached {
		x.stats.CacheHits++
	}
	x.retries = 0
	x.current = nil
}

// requeue puts the current position back at the head of the frontier after
// a failed analysis.
func (x *Exploration) requeue(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.retries++
	x.stats.RetryCount++
	x.stats.Errors++
	if err != nil {
		x.lastError = err.Error()
	}
	if x.current == nil {
		return
	}
	item := *x.current
	x.current = nil
	delete(x.seen, item.FEN)
	for i := len(x.processed) - 1; i >= 0; i-- {
		if x.processed[i] == item.FEN {
			x.processed = append(x.processed[:i], x.processed[i+1:]...)
			break
		}
	}
	x.frontier = append([]checkpoint.FrontierItem{item}, x.frontier...)
	x.queued[item.FEN] = true
}

// fail records a terminal failure.
func (x *Exploration) fail(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stats.Errors++
	if err != nil {
		x.lastError = err.Error()
	}
}

// Retries returns the consecutive failure count.
func (x *Exploration) Retries() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.retries
}

// FrontierLen returns the number of queued positions.
func (x *Exploration) FrontierLen() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.frontier)
}

// Processed returns the processed positions in processing order.
func (x *Exploration) Processed() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.processed...)
}

// Stats returns a copy of the counters.
func (x *Exploration) Stats() checkpoint.Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stats
}

// LastError returns the message of the last recorded failure.
func (x *Exploration) LastError() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastError
}

func (x *Exploration) processedCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.processed)
}

func (x *Exploration) budgetExhausted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.config.TimeLimit <= 0 || x.budgetStart.IsZero() {
		return false
	}
	return x.now().Sub(x.budgetStart) >= x.config.TimeLimit
}

func (x *Exploration) elapsed() time.Duration {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stats.StartedAt.IsZero() {
		return 0
	}
	return x.now().Sub(x.stats.StartedAt)
}

// Encode returns the checkpoint form of the exploration.
func (x *Exploration) Encode() checkpoint.ExplorationState {
	x.mu.Lock()
	defer x.mu.Unlock()

	depths := make(map[string]int, len(x.depths))
	for k, v := range x.depths {
		depths[k] = v
	}
	s := checkpoint.ExplorationState{
		PositionsToAnalyze: append([]checkpoint.FrontierItem{}, x.frontier...),
		AnalyzedPositions:  append([]string{}, x.processed...),
		CurrentDepth:       x.depth,
		MaxDepth:           x.config.MaxDepth,
		PositionDepths:     depths,
		Stats:              x.stats,
		LastError:          x.lastError,
	}
	if x.current != nil {
		cur := *x.current
		s.Current = &cur
	}
	return s
}

// decode replaces the traversal state with s.
func (x *Exploration) decode(s checkpoint.ExplorationState) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.frontier = append([]checkpoint.FrontierItem{}, s.PositionsToAnalyze...)
	x.queued = make(map[string]bool, len(x.frontier))
	for _, item := range x.frontier {
		x.queued[item.FEN] = true
	}
	x.processed = append([]string{}, s.AnalyzedPositions...)
	x.seen = make(map[string]bool, len(x.processed))
	for _, fen := range x.processed {
		x.seen[fen] = true
	}
	x.depths = make(map[string]int, len(s.PositionDepths))
	for k, v := range s.PositionDepths {
		x.depths[k] = v
	}
	x.stats = s.Stats
	x.depth = s.CurrentDepth
	x.lastError = s.LastError
	x.current = nil
	if s.Current != nil {
		cur := *s.Current
		x.current = &cur
	}
	x.retries = 0
	x.budgetStart = time.Time{}
}

// Depths returns the shallowest known depth of every discovered position,
// sorted by position.
func (x *Exploration) Depths() []PositionDepth {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]PositionDepth, 0, len(x.depths))
	for fen, d := range x.depths {
		out = append(out, PositionDepth{FEN: fen, Depth: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FEN < out[j].FEN })
	return out
}

// PositionDepth pairs a discovered position with its depth.
type PositionDepth struct {
	FEN   string
	Depth int
}

// codec maps an Exploration to its checkpoint form.
type codec struct {
	config Config
	now    func() time.Time
}

func (c codec) Encode(x *Exploration) (checkpoint.ExplorationState, error) {
	return x.Encode(), nil
}

func (c codec) Decode(s checkpoint.ExplorationState) (*Exploration, error) {
	x := NewExploration(c.config, c.now)
	x.decode(s)
	return x, nil
}
