package decode

import (
	"context"
	"sync"
	"time"

	"github.com/imgpipe/imgpipe/core"
)

// Progressive drives preview + final decoding for one subtask's byte
// stream, enforcing the back-pressure rule: at most one preview decode
// and one final decode are ever queued at once; additional data chunks
// arriving while a preview decode is in flight coalesce into the next
// dispatch rather than queuing their own decode.
type Progressive struct {
	mu       sync.Mutex
	registry *Registry
	format   string
	throttle time.Duration
	enqueue  func(work func())
	onPreview func(*core.Container, error)
	onFinal   func(*core.Container, error)

	lastPreview     time.Time
	previewInFlight bool
	finalQueued     bool
	pending         []byte

	// Logger, if set, receives a Warn on a locally-recovered partial
	// decode failure. Left nil by NewProgressive; the coordinator attaches
	// its own logger after construction.
	Logger core.Logger
}

// NewProgressive builds a controller for one decode subtask. enqueue
// submits a unit of work to the decoding queue; throttle is the minimum
// interval between dispatched preview decodes (0 disables throttling).
func NewProgressive(reg *Registry, format string, throttle time.Duration, enqueue func(func()), onPreview, onFinal func(*core.Container, error)) *Progressive {
	return &Progressive{
		registry:  reg,
		format:    format,
		throttle:  throttle,
		enqueue:   enqueue,
		onPreview: onPreview,
		onFinal:   onFinal,
	}
}

// Feed reports newly-available cumulative bytes. It dispatches a preview
// decode unless one is already in flight, the final decode has already
// been queued, or the throttle interval hasn't elapsed.
func (p *Progressive) Feed(ctx context.Context, cumulative []byte) {
	p.mu.Lock()
	p.pending = cumulative
	if p.previewInFlight || p.finalQueued {
		p.mu.Unlock()
		return
	}
	if p.throttle > 0 && !p.lastPreview.IsZero() && core.TimeNow().Sub(p.lastPreview) < p.throttle {
		p.mu.Unlock()
		return
	}
	p.previewInFlight = true
	data := p.pending
	p.mu.Unlock()

	p.enqueue(func() {
		c, err := p.registry.Decode(ctx, p.format, data, true)
		p.mu.Lock()
		p.previewInFlight = false
		p.lastPreview = core.TimeNow()
		latest := p.pending
		p.mu.Unlock()
		if err != nil {
			// A partial decode failure is locally recovered: drop this
			// preview attempt and keep streaming.
			if p.Logger != nil {
				p.Logger.Warn("decode.progressive.partial_decode_dropped", "format", p.format, "error", err.Error())
			}
			return
		}
		p.onPreview(c, nil)
		// If more bytes arrived while this preview was decoding, and
		// nothing has superseded it, dispatch once more so the preview
		// stream keeps catching up with the incoming data.
		if len(latest) > len(data) {
			p.Feed(ctx, latest)
		}
	})
}

// Finalize dispatches the one-and-only final decode for this subtask.
// Calling it more than once is a no-op after the first call.
func (p *Progressive) Finalize(ctx context.Context, data []byte) {
	p.mu.Lock()
	if p.finalQueued {
		p.mu.Unlock()
		return
	}
	p.finalQueued = true
	p.mu.Unlock()

	p.enqueue(func() {
		c, err := p.registry.Decode(ctx, p.format, data, false)
		p.onFinal(c, err)
	})
}
