package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func newTestAggregator(t *testing.T) (*Aggregator, *fakeGateway, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	gw := newFakeGateway()
	agg := NewAggregator(gw, st, NewMappings(st, logx.Nop()), logx.Nop())
	return agg, gw, st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestAlbumFlushedOnceInOrder(t *testing.T) {
	agg, gw, st := newTestAggregator(t)
	ctx := context.Background()

	route := Route{
		FromChat:    500,
		To:          transport.ChatTarget{ChatID: testAdminGroup, ThreadID: 3},
		Dir:         DirUserToAdmin,
		RequesterID: 500,
	}
	for i := 1; i <= 3; i++ {
		it := storage.MediaItem{GroupID: "alb1", ChatID: 500, MessageID: i}
		if err := agg.Add(ctx, it, route, 30*time.Millisecond); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return gw.batchCount() == 1 })
	agg.Stop()

	gw.mu.Lock()
	batch := gw.batches[0]
	gw.mu.Unlock()
	if len(batch.MessageIDs) != 3 {
		t.Fatalf("flush carried %d items, want 3", len(batch.MessageIDs))
	}
	for i, id := range batch.MessageIDs {
		if id != i+1 {
			t.Fatalf("arrival order broken: %v", batch.MessageIDs)
		}
	}
	if batch.To != route.To {
		t.Fatalf("flush delivered to %+v", batch.To)
	}

	// One mapping per item, positionally zipped.
	for i := 1; i <= 3; i++ {
		mp, ok, err := st.MappingByUserMsg(ctx, 500, i)
		if err != nil || !ok {
			t.Fatalf("mapping for item %d: ok=%v err=%v", i, ok, err)
		}
		if i > 1 {
			prev, _, _ := st.MappingByUserMsg(ctx, 500, i-1)
			if mp.GroupMsgID != prev.GroupMsgID+1 {
				t.Fatalf("positional zip broken: %d -> %d, %d -> %d",
					i-1, prev.GroupMsgID, i, mp.GroupMsgID)
			}
		}
	}

	// The buffer was consumed; nothing left for a second flush.
	items, err := st.TakeMediaGroup(ctx, "alb1", 500)
	if err != nil || len(items) != 0 {
		t.Fatalf("buffer not consumed: n=%d err=%v", len(items), err)
	}
}

func TestConsecutiveAlbumsSameRouteDoNotMix(t *testing.T) {
	agg, gw, _ := newTestAggregator(t)
	ctx := context.Background()

	route := Route{
		FromChat:    500,
		To:          transport.ChatTarget{ChatID: testAdminGroup, ThreadID: 3},
		Dir:         DirUserToAdmin,
		RequesterID: 500,
	}
	if err := agg.Add(ctx, storage.MediaItem{GroupID: "a", ChatID: 500, MessageID: 1}, route, 40*time.Millisecond); err != nil {
		t.Fatalf("Add a/1: %v", err)
	}
	if err := agg.Add(ctx, storage.MediaItem{GroupID: "a", ChatID: 500, MessageID: 2}, route, 40*time.Millisecond); err != nil {
		t.Fatalf("Add a/2: %v", err)
	}
	// Second group starts before the first group's timer fires.
	if err := agg.Add(ctx, storage.MediaItem{GroupID: "b", ChatID: 500, MessageID: 3}, route, 40*time.Millisecond); err != nil {
		t.Fatalf("Add b/3: %v", err)
	}

	waitFor(t, func() bool { return gw.batchCount() == 2 })
	agg.Stop()

	gw.mu.Lock()
	defer gw.mu.Unlock()
	for _, b := range gw.batches {
		switch len(b.MessageIDs) {
		case 2:
			if b.MessageIDs[0] != 1 || b.MessageIDs[1] != 2 {
				t.Fatalf("group a flushed wrong items: %v", b.MessageIDs)
			}
		case 1:
			if b.MessageIDs[0] != 3 {
				t.Fatalf("group b flushed wrong items: %v", b.MessageIDs)
			}
		default:
			t.Fatalf("groups mixed in one flush: %v", b.MessageIDs)
		}
	}
}

func TestReArmReplacesPendingTimer(t *testing.T) {
	agg, gw, _ := newTestAggregator(t)
	ctx := context.Background()

	route := Route{
		FromChat:    500,
		To:          transport.ChatTarget{ChatID: testAdminGroup, ThreadID: 3},
		Dir:         DirUserToAdmin,
		RequesterID: 500,
	}
	// Three quick arrivals re-arm the same timer; only one flush happens.
	for i := 1; i <= 3; i++ {
		if err := agg.Add(ctx, storage.MediaItem{GroupID: "g", ChatID: 500, MessageID: i}, route, 25*time.Millisecond); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, func() bool { return gw.batchCount() >= 1 })
	time.Sleep(60 * time.Millisecond)
	agg.Stop()

	if got := gw.batchCount(); got != 1 {
		t.Fatalf("expected exactly one flush, got %d", got)
	}
}

func TestEmptyBufferFlushIsHarmless(t *testing.T) {
	agg, gw, st := newTestAggregator(t)
	ctx := context.Background()

	route := Route{
		FromChat:    500,
		To:          transport.ChatTarget{ChatID: testAdminGroup, ThreadID: 3},
		Dir:         DirUserToAdmin,
		RequesterID: 500,
	}
	if err := agg.Add(ctx, storage.MediaItem{GroupID: "gone", ChatID: 500, MessageID: 1}, route, 30*time.Millisecond); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// An external purge races the timer and empties the buffer first.
	if _, err := st.TakeMediaGroup(ctx, "gone", 500); err != nil {
		t.Fatalf("external take: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	agg.Stop()
	if gw.batchCount() != 0 {
		t.Fatalf("empty buffer still produced a delivery")
	}
}
