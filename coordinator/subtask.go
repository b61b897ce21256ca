package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/imgpipe/imgpipe/core"
	"github.com/imgpipe/imgpipe/decode"
	"github.com/imgpipe/imgpipe/queue"
)

// Stage identifies which of the three subtask kinds a Subtask is.
type Stage int

const (
	StageFetchOriginalData Stage = iota
	StageFetchDecodedOriginal
	StageFetchProcessedImage
)

func (s Stage) String() string {
	switch s {
	case StageFetchOriginalData:
		return "fetchOriginalData"
	case StageFetchDecodedOriginal:
		return "fetchDecodedOriginal"
	default:
		return "fetchProcessedImage"
	}
}

// Key identifies a subtask for coalescing: two requests that resolve to
// the same Key share the same Subtask and its in-flight work, satisfying
// the one-entry-per-key invariant.
type Key struct {
	Stage  Stage
	Base   string // the source's cache key
	Chain  string // joined identifiers of the processors applied up through this subtask
	Unique string // non-empty only when coalescing is disabled, making every public attach its own key
}

// chainKey joins processor identifiers the way a Key.Chain is built, so
// callers constructing a chain of FetchProcessedImage subtasks can derive
// each prefix's Key without the coordinator's help.
func chainKey(processors []core.Processor, upTo int) string {
	ids := make([]string, upTo)
	for i := 0; i < upTo; i++ {
		ids[i] = processors[i].Identifier()
	}
	return strings.Join(ids, "|")
}

// State is a subtask's lifecycle position.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

// Subtask is one node in a request's dependency chain: fetching raw
// bytes, decoding them, or applying one more processor on top of the
// previous stage's result. All fields are guarded by the owning
// Coordinator's mutex; nothing here synchronizes on its own.
type Subtask struct {
	key         Key
	dependency  *Subtask
	dependents  map[*Subtask]struct{}
	subscribers map[*Subscription]struct{}

	state     State
	priority  core.Priority
	handle    *queue.Handle
	startedAt time.Time // set once this subtask's own work begins, zero for a resolved-from-cache anchor

	ctx    context.Context
	cancel context.CancelFunc

	// Stage-specific inputs.
	req             core.Request
	processor       core.Processor   // StageFetchProcessedImage only: the processor newly applied at this stage
	chainProcessors []core.Processor // StageFetchProcessedImage only: the full prefix applied up through this stage
	format          string           // StageFetchDecodedOriginal; detected lazily

	// Cached results, replayed to subscribers that attach after the work
	// they describe has already happened.
	progress         core.ProgressSnapshot
	buffer           []byte // cumulative raw bytes seen so far, for progressive decode feeding
	previewContainer *core.Container
	container        *core.Container
	cacheType        core.CacheType // set only when this subtask's result came from a cache hit rather than a dependency chain
	origResult       *core.OriginalData
	err              error

	decoder *decode.Progressive
}

func newSubtask(parentCtx context.Context, key Key, dependency *Subtask) *Subtask {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Subtask{
		key:         key,
		dependency:  dependency,
		dependents:  make(map[*Subtask]struct{}),
		subscribers: make(map[*Subscription]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// isRetained reports whether a subtask still has a reason to exist: a
// direct subscriber, or a dependent subtask that itself is retained.
func (t *Subtask) isRetained() bool {
	return len(t.subscribers) > 0 || len(t.dependents) > 0
}

// isTerminal reports whether the subtask has reached a state it will
// never leave on its own.
func (s State) isTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}
