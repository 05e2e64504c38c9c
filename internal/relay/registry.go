package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// ErrRequesterBanned is returned when a banned requester writes in.
var ErrRequesterBanned = errors.New("requester is banned")

// Registry owns the requester-to-thread binding: lookup, lazy topic
// creation and the purge path that unwinds everything at once.
type Registry struct {
	gw    transport.Gateway
	store storage.Store
	log   logx.Logger
}

func NewRegistry(gw transport.Gateway, store storage.Store, log logx.Logger) *Registry {
	return &Registry{gw: gw, store: store, log: log}
}

const maxThreadTitle = 128

// threadTitle builds "Ticket NNNNN|Name|ID" capped to 128 runes, the
// rune limit Telegram enforces on topic names.
func threadTitle(r storage.Requester) string {
	title := fmt.Sprintf("Ticket %05d|%s|%d", 10000+rand.Intn(90000), r.DisplayName(), r.ID)
	rs := []rune(title)
	if len(rs) > maxThreadTitle {
		rs = rs[:maxThreadTitle]
	}
	return string(rs)
}

// ResolveOrCreate returns the requester's thread id, creating a topic
// and binding it when none exists yet. created reports whether a new
// topic was opened on this call.
func (g *Registry) ResolveOrCreate(ctx context.Context, r storage.Requester, adminChat int64) (threadID int, created bool, err error) {
	if r.Banned {
		return 0, false, ErrRequesterBanned
	}
	if r.ThreadID != 0 {
		return r.ThreadID, false, nil
	}
	threadID, err = g.gw.CreateThread(ctx, adminChat, threadTitle(r))
	if err != nil {
		return 0, false, fmt.Errorf("create thread: %w", err)
	}
	if err := g.store.BindThread(ctx, r.ID, threadID); err != nil {
		return 0, false, fmt.Errorf("bind thread %d: %w", threadID, err)
	}
	g.log.Info("thread opened",
		logx.Int64("requester_id", r.ID),
		logx.Int("thread_id", threadID))
	return threadID, true, nil
}

// SetStatus records an operator-driven open/close transition. The
// upsert is idempotent so repeated close events are harmless.
func (g *Registry) SetStatus(ctx context.Context, threadID int, requesterID int64, state storage.ThreadState) error {
	return g.store.SetThreadStatus(ctx, threadID, requesterID, state)
}

// IsClosed reports whether a thread is in the closed state. Unknown
// threads count as open.
func (g *Registry) IsClosed(ctx context.Context, threadID int) bool {
	state, ok, err := g.store.ThreadStatus(ctx, threadID)
	if err != nil {
		g.log.Warn("thread status lookup failed", logx.Int("thread_id", threadID), logx.Err(err))
		return false
	}
	return ok && state == storage.ThreadClosed
}

// Purge unwinds a thread completely: status row, the owning
// requester's binding and their mappings, optionally banning them.
func (g *Registry) Purge(ctx context.Context, threadID int, ban bool) (int64, error) {
	requesterID, err := g.store.PurgeThread(ctx, threadID, ban)
	if err != nil {
		return 0, err
	}
	g.log.Info("thread purged",
		logx.Int("thread_id", threadID),
		logx.Int64("requester_id", requesterID),
		logx.Bool("banned", ban))
	return requesterID, nil
}

// InvalidateGone handles delivery into a topic that Telegram reports
// missing: the binding is purged so the next message opens a fresh one.
func (g *Registry) InvalidateGone(ctx context.Context, threadID int, ban bool) {
	if _, err := g.store.PurgeThread(ctx, threadID, ban); err != nil {
		g.log.Warn("stale thread purge failed", logx.Int("thread_id", threadID), logx.Err(err))
	}
}
