package snapshot

import (
	"context"
	"sync/atomic"

	"github.com/signalsfoundry/gridtwin/internal/logging"
	"github.com/signalsfoundry/gridtwin/internal/sim/state"
)

// Writer moves snapshots off the tick goroutine. Only the newest pending
// snapshot is kept; older ones are dropped when the store falls behind.
type Writer struct {
	store   Store
	log     logging.Logger
	pending chan *state.Snapshot
	dropped atomic.Uint64
	saved   atomic.Uint64
}

// NewWriter wraps store.
func NewWriter(store Store, log logging.Logger) *Writer {
	return &Writer{
		store:   store,
		log:     logging.OrNoop(log).With(logging.String("component", "snapshot")),
		pending: make(chan *state.Snapshot, 1),
	}
}

// Offer implements state.SnapshotSink and never blocks.
func (w *Writer) Offer(s *state.Snapshot) {
	for {
		select {
		case w.pending <- s:
			return
		default:
		}
		select {
		case <-w.pending:
			w.dropped.Add(1)
		default:
		}
	}
}

// Run saves offered snapshots until ctx is done, then flushes the last one.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case s := <-w.pending:
			w.save(ctx, s)
		case <-ctx.Done():
			select {
			case s := <-w.pending:
				w.save(context.WithoutCancel(ctx), s)
			default:
			}
			return nil
		}
	}
}

func (w *Writer) save(ctx context.Context, s *state.Snapshot) {
	if err := w.store.Save(ctx, s); err != nil {
		w.log.Warn(ctx, "snapshot save failed", logging.Int("tick", int(s.Tick)), logging.Err(err))
		return
	}
	w.saved.Add(1)
}

// Dropped reports how many snapshots were superseded before being saved.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Saved reports how many snapshots were written.
func (w *Writer) Saved() uint64 { return w.saved.Load() }
