package services

import (
	"context"
	"time"

	"github.com/tablesync/orderengine/internal/domain"
)

// HistoryEntry is one successfully executed command. Entries are append-only; Seq starts at 1.
type HistoryEntry struct {
	Seq        int64
	ID         string
	Command    Command
	RequestID  string
	Actor      string
	OrderID    int64
	Events     []domain.Event
	ExecutedAt time.Time
	// Compensates is the Seq of the entry this one undid, or zero.
	Compensates int64
}

func (s *orderEngine) appendHistory(entry HistoryEntry) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.seq++
	entry.Seq = s.seq
	s.history = append(s.history, entry)
}

// History returns a copy of the command history, oldest first.
func (s *orderEngine) History() []HistoryEntry {
	s.histMu.RLock()
	defer s.histMu.RUnlock()

	out := make([]HistoryEntry, len(s.history))
	for i, entry := range s.history {
		entry.Events = copyEvents(entry.Events)
		out[i] = entry
	}
	return out
}

// Replay re-emits every recorded event, oldest first, flagged as replayed. Order state is not touched. It returns
// the number of events delivered before ctx was cancelled.
func (s *orderEngine) Replay(ctx context.Context) (int, error) {
	emitted := 0
	for _, entry := range s.History() {
		for _, event := range entry.Events {
			if err := ctx.Err(); err != nil {
				return emitted, err
			}
			event.Replayed = true
			s.dispatcher.Emit(ctx, event)
			emitted++
		}
	}
	s.logger(ctx, "order.history.replayed", map[string]any{"events": emitted})
	return emitted, nil
}

// Undo compensates the most recent command by executing its compensating command. Only the newest entry can be
// undone, and compensations themselves cannot be undone. Commands arriving meanwhile wait until the compensation
// is in the history.
func (s *orderEngine) Undo(ctx context.Context, opts ExecuteOptions) (CommandResult, error) {
	s.undoGate.Lock()
	defer s.undoGate.Unlock()

	s.histMu.RLock()
	if len(s.history) == 0 {
		s.histMu.RUnlock()
		return CommandResult{}, ErrNothingToUndo
	}
	last := s.history[len(s.history)-1]
	s.histMu.RUnlock()

	compensation, err := compensationFor(last)
	if err != nil {
		return CommandResult{}, err
	}

	result, err := s.execute(ctx, compensation, opts, last.Seq)
	if err != nil {
		return result, err
	}
	s.logger(ctx, "order.history.undone", map[string]any{
		"seq":          last.Seq,
		"command":      last.Command.Name(),
		"compensation": compensation.Name(),
		"orderId":      last.OrderID,
	})
	return result, nil
}
