package bot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	cmdpkg "github.com/stupiduntilnot/leadrelay/internal/commander"
	"github.com/stupiduntilnot/leadrelay/internal/control"
	"github.com/stupiduntilnot/leadrelay/internal/db"
	"github.com/stupiduntilnot/leadrelay/internal/metrics"
)

// Source delivers inbound updates.
type Source interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error)
}

// Handler processes one update.
type Handler interface {
	Handle(ctx context.Context, u cmdpkg.Update) error
}

// OffsetStore persists the next update offset across restarts.
type OffsetStore interface {
	Load() (int64, error)
	Save(offset int64) error
}

// MemoryOffsets keeps the offset in process memory only.
type MemoryOffsets struct {
	offset int64
}

func (m *MemoryOffsets) Load() (int64, error) { return m.offset, nil }

func (m *MemoryOffsets) Save(offset int64) error {
	m.offset = offset
	return nil
}

// Poller is the long-poll loop. Updates are handled one at a time in
// arrival order.
type Poller struct {
	Source  Source
	Handler Handler
	Offsets OffsetStore
	// Timeout is the long-poll timeout in seconds.
	Timeout int
	// Idle is the pause after an empty poll; it also scales the error
	// backoff.
	Idle        time.Duration
	Journal     *db.Journal
	RootEventID int64
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
}

// Run polls until ctx is cancelled. It returns an error only if the
// stored offset cannot be loaded.
func (p *Poller) Run(ctx context.Context) error {
	offset, err := p.Offsets.Load()
	if err != nil {
		return err
	}
	p.Log.Info().Int64("offset", offset).Int("timeout", p.Timeout).Msg("poller running")

	failures := 0
	for ctx.Err() == nil {
		updates, err := p.Source.GetUpdates(ctx, offset, p.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			p.Metrics.RecordPollError()
			p.event(db.EventPollFailed, map[string]any{
				"error":    err.Error(),
				"failures": failures,
			})
			backoff := control.Backoff(p.idle(), 30*p.idle(), failures)
			p.Log.Warn().Err(err).Int("failures", failures).Dur("backoff", backoff).Msg("getUpdates failed")
			if sleepCtx(ctx, backoff) != nil {
				break
			}
			continue
		}
		failures = 0
		p.Metrics.RecordUpdates(len(updates))

		for _, u := range updates {
			if err := p.Handler.Handle(ctx, u); err != nil {
				p.Log.Error().Err(err).Int64("update_id", u.UpdateID).Msg("update not delivered")
			}
			offset = u.UpdateID + 1
			if err := p.Offsets.Save(offset); err != nil {
				p.Log.Error().Err(err).Int64("offset", offset).Msg("save offset failed")
			}
		}
		if len(updates) == 0 && sleepCtx(ctx, p.idle()) != nil {
			break
		}
	}
	p.Log.Info().Int64("offset", offset).Msg("poller stopped")
	return nil
}

func (p *Poller) event(eventType string, payload map[string]any) {
	parent := p.RootEventID
	if _, err := p.Journal.Log(&parent, eventType, payload); err != nil {
		p.Log.Warn().Err(err).Str("event_type", eventType).Msg("journal write failed")
	}
}

func (p *Poller) idle() time.Duration {
	if p.Idle <= 0 {
		return time.Second
	}
	return p.Idle
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
