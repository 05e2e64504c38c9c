package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRequesterUpsertKeepsBinding(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertRequester(ctx, Requester{ID: 7, FirstName: "Ada"}); err != nil {
		t.Fatalf("UpsertRequester: %v", err)
	}
	if err := st.BindThread(ctx, 7, 42); err != nil {
		t.Fatalf("BindThread: %v", err)
	}

	// A later upsert refreshes names but must not clobber the binding.
	if err := st.UpsertRequester(ctx, Requester{ID: 7, FirstName: "Ada", LastName: "L", Username: "ada"}); err != nil {
		t.Fatalf("UpsertRequester again: %v", err)
	}
	r, ok, err := st.Requester(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("Requester: ok=%v err=%v", ok, err)
	}
	if r.ThreadID != 42 || r.Username != "ada" {
		t.Fatalf("unexpected requester after upsert: %+v", r)
	}

	byThread, ok, err := st.RequesterByThread(ctx, 42)
	if err != nil || !ok || byThread.ID != 7 {
		t.Fatalf("RequesterByThread: got %+v ok=%v err=%v", byThread, ok, err)
	}

	state, ok, err := st.ThreadStatus(ctx, 42)
	if err != nil || !ok || state != ThreadOpened {
		t.Fatalf("ThreadStatus after bind: state=%q ok=%v err=%v", state, ok, err)
	}
}

func TestPurgeThreadUnwindsEverything(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertRequester(ctx, Requester{ID: 9, FirstName: "Bo"}); err != nil {
		t.Fatalf("UpsertRequester: %v", err)
	}
	if err := st.BindThread(ctx, 9, 100); err != nil {
		t.Fatalf("BindThread: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := st.InsertMapping(ctx, Mapping{UserMsgID: i, GroupMsgID: 1000 + i, RequesterID: 9}); err != nil {
			t.Fatalf("InsertMapping %d: %v", i, err)
		}
	}

	requesterID, err := st.PurgeThread(ctx, 100, true)
	if err != nil {
		t.Fatalf("PurgeThread: %v", err)
	}
	if requesterID != 9 {
		t.Fatalf("PurgeThread requester id = %d, want 9", requesterID)
	}

	r, ok, err := st.Requester(ctx, 9)
	if err != nil || !ok {
		t.Fatalf("Requester after purge: ok=%v err=%v", ok, err)
	}
	if r.ThreadID != 0 {
		t.Fatalf("thread reference not cleared: %d", r.ThreadID)
	}
	if !r.Banned {
		t.Fatalf("ban flag not set by purge")
	}
	if _, ok, _ := st.ThreadStatus(ctx, 100); ok {
		t.Fatalf("thread status survived purge")
	}
	ids, err := st.UserMessageIDs(ctx, 9)
	if err != nil {
		t.Fatalf("UserMessageIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("mappings survived purge: %v", ids)
	}
}

func TestPurgeOrphanThread(t *testing.T) {
	st := openTestStore(t)
	requesterID, err := st.PurgeThread(context.Background(), 555, false)
	if err != nil {
		t.Fatalf("PurgeThread on unknown thread: %v", err)
	}
	if requesterID != 0 {
		t.Fatalf("orphan purge returned requester %d", requesterID)
	}
}

func TestInsertMappingDuplicate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m := Mapping{UserMsgID: 5, GroupMsgID: 50, RequesterID: 1}
	if err := st.InsertMapping(ctx, m); err != nil {
		t.Fatalf("InsertMapping: %v", err)
	}
	// Re-inserting the identical row is a no-op.
	if err := st.InsertMapping(ctx, m); err != nil {
		t.Fatalf("idempotent reinsert: %v", err)
	}
	// Same user id, different counterpart is a consistency error.
	err := st.InsertMapping(ctx, Mapping{UserMsgID: 5, GroupMsgID: 51, RequesterID: 1})
	if !errors.Is(err, ErrDuplicateMapping) {
		t.Fatalf("want ErrDuplicateMapping, got %v", err)
	}
	// Same group id likewise.
	err = st.InsertMapping(ctx, Mapping{UserMsgID: 6, GroupMsgID: 50, RequesterID: 1})
	if !errors.Is(err, ErrDuplicateMapping) {
		t.Fatalf("want ErrDuplicateMapping, got %v", err)
	}
	// User-side ids are per-chat counters: another requester reusing the
	// same id is ordinary traffic, not a conflict.
	if err := st.InsertMapping(ctx, Mapping{UserMsgID: 5, GroupMsgID: 52, RequesterID: 2}); err != nil {
		t.Fatalf("same user id for a different requester: %v", err)
	}

	got, ok, err := st.MappingByUserMsg(ctx, 1, 5)
	if err != nil || !ok || got.GroupMsgID != 50 {
		t.Fatalf("MappingByUserMsg: %+v ok=%v err=%v", got, ok, err)
	}
	got, ok, err = st.MappingByUserMsg(ctx, 2, 5)
	if err != nil || !ok || got.GroupMsgID != 52 {
		t.Fatalf("MappingByUserMsg requester 2: %+v ok=%v err=%v", got, ok, err)
	}
	got, ok, err = st.MappingByGroupMsg(ctx, 50)
	if err != nil || !ok || got.UserMsgID != 5 || got.RequesterID != 1 {
		t.Fatalf("MappingByGroupMsg: %+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := st.MappingByUserMsg(ctx, 1, 999); ok {
		t.Fatalf("lookup of unknown id reported a hit")
	}
}

func TestMediaGroupBufferTakeOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		first, err := st.AppendMediaItem(ctx, MediaItem{GroupID: "g1", ChatID: 10, MessageID: i})
		if err != nil {
			t.Fatalf("AppendMediaItem %d: %v", i, err)
		}
		if first != (i == 1) {
			t.Fatalf("item %d: first=%v", i, first)
		}
	}
	// A different key opens its own buffer.
	if first, err := st.AppendMediaItem(ctx, MediaItem{GroupID: "g1", ChatID: 11, MessageID: 9}); err != nil || !first {
		t.Fatalf("other chat buffer: first=%v err=%v", first, err)
	}

	items, err := st.TakeMediaGroup(ctx, "g1", 10)
	if err != nil {
		t.Fatalf("TakeMediaGroup: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, it := range items {
		if it.MessageID != i+1 {
			t.Fatalf("arrival order broken: %+v", items)
		}
	}
	if !items[0].Header || items[1].Header {
		t.Fatalf("header flag misplaced: %+v", items)
	}

	// Second take finds nothing: consumed exactly once.
	items, err = st.TakeMediaGroup(ctx, "g1", 10)
	if err != nil {
		t.Fatalf("second TakeMediaGroup: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("buffer not consumed: %+v", items)
	}
}

func TestPruneMediaGroups(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.AppendMediaItem(ctx, MediaItem{GroupID: "old", ChatID: 1, MessageID: 1}); err != nil {
		t.Fatalf("AppendMediaItem: %v", err)
	}
	n, err := st.PruneMediaGroups(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneMediaGroups: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	n, err = st.PruneMediaGroups(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("second prune: n=%d err=%v", n, err)
	}
}

func TestListRequesterIDsAndBan(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{3, 1, 2} {
		if err := st.UpsertRequester(ctx, Requester{ID: id, FirstName: "u"}); err != nil {
			t.Fatalf("UpsertRequester %d: %v", id, err)
		}
	}
	ids, err := st.ListRequesterIDs(ctx)
	if err != nil {
		t.Fatalf("ListRequesterIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}

	if err := st.SetBanned(ctx, 2, true); err != nil {
		t.Fatalf("SetBanned: %v", err)
	}
	r, _, err := st.Requester(ctx, 2)
	if err != nil || !r.Banned {
		t.Fatalf("ban not persisted: %+v err=%v", r, err)
	}
}
