package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cap/internal/llm"
)

// DefaultStallWindow is how long the answer stream may go quiet before
// a heartbeat is emitted.
const DefaultStallWindow = 300 * time.Second

// Multiplexer bridges a model token stream onto a client emit function,
// interleaving rotating heartbeat frames whenever the stream stalls.
// The rotation cursor persists across Pump calls so repeated stalls in
// one session keep advancing through the message cycle.
type Multiplexer struct {
	stall  time.Duration
	log    *zap.Logger
	cursor int
}

// NewMultiplexer creates a multiplexer with the given stall window.
// Zero or negative means the default. The logger may be nil.
func NewMultiplexer(stall time.Duration, log *zap.Logger) *Multiplexer {
	if stall <= 0 {
		stall = DefaultStallWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Multiplexer{stall: stall, log: log}
}

// Pump forwards chunks from upstream to emit until the stream ends.
// Every quiet stall window produces one heartbeat frame. A chunk error
// is reported to the client as a stream error frame and ends the pump
// without failing it; only client cancellation returns an error.
func (m *Multiplexer) Pump(ctx context.Context, upstream <-chan llm.Chunk, emit func(string) error) error {
	timer := time.NewTimer(m.stall)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Warn("client cancelled answer stream")
			return ctx.Err()

		case chunk, ok := <-upstream:
			if !ok {
				m.log.Info("answer stream completed")
				return nil
			}
			if chunk.Err != nil {
				m.log.Error("answer stream failed", zap.Error(chunk.Err))
				// Best effort; the client may already be gone.
				_ = emit(fmt.Sprintf("error: Stream error: %s\n", chunk.Err))
				return nil
			}
			if err := emit(chunk.Text + "\n"); err != nil {
				return fmt.Errorf("emit answer chunk: %w", err)
			}
			resetTimer(timer, m.stall)

		case <-timer.C:
			msg := ThinkingMessages[m.cursor%len(ThinkingMessages)]
			m.cursor++
			m.log.Info("emitting stall heartbeat", zap.String("message", msg))
			if err := emit(msg); err != nil {
				return fmt.Errorf("emit heartbeat: %w", err)
			}
			timer.Reset(m.stall)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
