package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Direction of an album flush.
type Direction string

const (
	DirUserToAdmin Direction = "u2a"
	DirAdminToUser Direction = "a2u"
)

// Route names the source chat, the destination and which way the album
// travels. It is fixed when the first element arrives.
type Route struct {
	FromChat    int64
	To          transport.ChatTarget
	Dir         Direction
	RequesterID int64
}

// Aggregator buffers album elements in the store and flushes each
// buffer once, a debounce interval after its first element. Timers are
// named per (source, destination, direction) and cancel-and-replace on
// re-arm; a version counter guards against a cancelled timer's callback
// racing its successor.
type Aggregator struct {
	gw       transport.Gateway
	store    storage.Store
	mappings *Mappings
	log      logx.Logger

	// ThreadGone is invoked when a flush hits a deleted topic, after the
	// buffer is already consumed.
	ThreadGone func(route Route)

	mu     sync.Mutex
	timers map[string]*time.Timer
	vers   map[string]uint64
	wg     sync.WaitGroup
}

func NewAggregator(gw transport.Gateway, store storage.Store, mappings *Mappings, log logx.Logger) *Aggregator {
	return &Aggregator{
		gw:       gw,
		store:    store,
		mappings: mappings,
		log:      log,
		timers:   make(map[string]*time.Timer),
		vers:     make(map[string]uint64),
	}
}

func flushKey(groupID string, route Route) string {
	return fmt.Sprintf("mediagroup|%s|%d|%d|%d|%s",
		groupID, route.FromChat, route.To.ChatID, route.To.ThreadID, route.Dir)
}

// Add buffers one album element and (re)arms the flush timer for its
// group. The element is durable before the timer exists, so a crash
// leaves it for the janitor rather than losing it.
func (a *Aggregator) Add(ctx context.Context, it storage.MediaItem, route Route, delay time.Duration) error {
	if _, err := a.store.AppendMediaItem(ctx, it); err != nil {
		return fmt.Errorf("buffer album element: %w", err)
	}

	key := flushKey(it.GroupID, route)
	a.mu.Lock()
	if t, ok := a.timers[key]; ok {
		t.Stop()
	}
	a.vers[key]++
	ver := a.vers[key]
	a.timers[key] = time.AfterFunc(delay, func() {
		a.mu.Lock()
		if a.vers[key] != ver {
			a.mu.Unlock()
			return
		}
		delete(a.timers, key)
		delete(a.vers, key)
		a.wg.Add(1)
		a.mu.Unlock()
		defer a.wg.Done()
		a.flush(it.GroupID, it.ChatID, route)
	})
	a.mu.Unlock()
	return nil
}

// Stop cancels pending timers and waits for in-flight flushes.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	for key, t := range a.timers {
		t.Stop()
		delete(a.timers, key)
		delete(a.vers, key)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Aggregator) flush(groupID string, chatID int64, route Route) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	items, err := a.store.TakeMediaGroup(ctx, groupID, chatID)
	if err != nil {
		a.log.Error("album buffer read failed",
			logx.String("group_id", groupID), logx.Err(err))
		return
	}
	if len(items) == 0 {
		a.log.Warn("album flush found empty buffer",
			logx.String("group_id", groupID), logx.Int64("chat_id", chatID))
		return
	}

	ids := make([]int, len(items))
	caption := ""
	for i, it := range items {
		ids[i] = it.MessageID
		if it.Header {
			caption = it.Caption
		}
	}

	sent, err := a.gw.SendCopies(ctx, route.FromChat, ids, route.To)
	if err != nil {
		// Buffer is already consumed; the album is lost either way, so
		// classify and move on.
		if transport.IsThreadGone(err) && a.ThreadGone != nil {
			a.ThreadGone(route)
		}
		a.log.Error("album delivery failed",
			logx.String("group_id", groupID),
			logx.String("dir", string(route.Dir)),
			logx.Int("count", len(ids)),
			logx.Err(err))
		return
	}

	n := len(sent)
	if n > len(items) {
		n = len(items)
	}
	for i := 0; i < n; i++ {
		var userMsg, groupMsg int
		switch route.Dir {
		case DirUserToAdmin:
			userMsg, groupMsg = items[i].MessageID, sent[i]
		case DirAdminToUser:
			userMsg, groupMsg = sent[i], items[i].MessageID
		}
		if err := a.mappings.Record(ctx, userMsg, groupMsg, route.RequesterID); err != nil {
			a.log.Warn("album mapping not recorded",
				logx.Int("user_msg_id", userMsg),
				logx.Int("group_msg_id", groupMsg),
				logx.Err(err))
		}
	}
	a.log.Debug("album flushed",
		logx.String("group_id", groupID),
		logx.String("dir", string(route.Dir)),
		logx.Int("count", len(items)),
		logx.String("caption", caption))
}
