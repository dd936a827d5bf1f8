package journal

import (
	"context"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/types"
)

// StateFn captures a serialized snapshot of engine state for a checkpoint.
type StateFn func() ([]byte, error)

// Recorder drains an event feed into a journal, checkpointing every
// CheckpointEvery records.
type Recorder struct {
	journal *Journal
	stateFn StateFn
	every   int
	logger  log.Logger

	appended int
}

// NewRecorder wires a journal behind an event feed. every <= 0 disables
// checkpointing.
func NewRecorder(j *Journal, stateFn StateFn, every int, logger log.Logger) *Recorder {
	return &Recorder{
		journal: j,
		stateFn: stateFn,
		every:   every,
		logger:  logger.With("module", "journal"),
	}
}

// Run journals events until the feed closes or ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, feed <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev types.Event) {
	if _, err := r.journal.Append(ev.MarketID, ev.Type.String(), ev); err != nil {
		r.logger.Error("event append failed", "market", uint64(ev.MarketID), "err", err)
		return
	}
	r.appended++
	if r.every <= 0 || r.stateFn == nil || r.appended < r.every {
		return
	}

	state, err := r.stateFn()
	if err != nil {
		r.logger.Error("state snapshot failed", "err", err)
		return
	}
	if err := r.journal.Checkpoint(state); err != nil {
		r.logger.Error("checkpoint failed", "err", err)
		return
	}
	r.appended = 0
}
