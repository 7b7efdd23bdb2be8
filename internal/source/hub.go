package source

import (
	"context"
	"sync"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// Stream names one subscribable snapshot of a user: the task list or one of
// the override sets.
type Stream string

const StreamTasks Stream = "tasks"

// OverrideStream is the stream carrying the override set of kind.
func OverrideStream(kind model.OverrideKind) Stream { return Stream(kind) }

type hubKey struct {
	uid    string
	stream Stream
}

// Hub fans change notifications out to in-process watchers. Notifications
// carry no payload; watchers reload the whole snapshot.
type Hub struct {
	mu   sync.Mutex
	subs map[hubKey]map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[hubKey]map[chan struct{}]struct{})}
}

// Watch returns a channel that receives a signal after each Notify for
// (uid, stream). Signals coalesce while the watcher is busy. The watch ends
// when ctx is done.
func (h *Hub) Watch(ctx context.Context, uid string, stream Stream) <-chan struct{} {
	ch := make(chan struct{}, 1)
	k := hubKey{uid, stream}

	h.mu.Lock()
	if h.subs[k] == nil {
		h.subs[k] = make(map[chan struct{}]struct{})
	}
	h.subs[k][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[k], ch)
		if len(h.subs[k]) == 0 {
			delete(h.subs, k)
		}
		h.mu.Unlock()
	}()
	return ch
}

func (h *Hub) Notify(uid string, stream Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[hubKey{uid, stream}] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Pump turns change signals into a stream of full snapshots. The initial
// snapshot is always delivered; if it cannot be read an empty one stands in
// ("no data yet"). Later read failures are logged and skipped so the
// consumer keeps its last good snapshot. Only the newest undelivered
// snapshot is kept.
func Pump[T any](ctx context.Context, changes <-chan struct{}, load func(context.Context) (T, error), what string) <-chan T {
	out := make(chan T, 1)
	send := func(v T) bool {
		select {
		case <-out:
		default:
		}
		select {
		case out <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		v, err := load(ctx)
		if err != nil {
			appLog.Error("initial snapshot read failed", err, "stream", what)
			var zero T
			v = zero
		}
		if !send(v) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				v, err := load(ctx)
				if err != nil {
					if ctx.Err() == nil {
						appLog.Error("snapshot read failed", err, "stream", what)
					}
					continue
				}
				if !send(v) {
					return
				}
			}
		}
	}()
	return out
}
