package coordinator

import (
	"github.com/imgpipe/imgpipe/core"
	"github.com/imgpipe/imgpipe/queue"
)

// recomputePriority sets t's priority to the maximum of its direct
// subscribers' priorities and its dependents' (already-recomputed)
// priorities, and reprioritizes any queued work for t to match.
func recomputePriority(t *Subtask) {
	best := core.PriorityVeryLow
	for sub := range t.subscribers {
		if sub.priority > best {
			best = sub.priority
		}
	}
	for dep := range t.dependents {
		if dep.priority > best {
			best = dep.priority
		}
	}
	t.priority = best
	if t.handle != nil {
		t.handle.Reprioritize(queue.Priority(best))
	}
}

// propagatePriority recomputes changed's priority and walks down through
// every dependency recomputing each in turn, since a dependency's
// priority is itself derived from its dependents' priorities.
func propagatePriority(changed *Subtask) {
	for cur := changed; cur != nil; cur = cur.dependency {
		recomputePriority(cur)
	}
}
