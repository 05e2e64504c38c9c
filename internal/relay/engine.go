package relay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	defaultWorkers = 8
	queueDepth     = 64
	transientTTL   = 10 * time.Second
	deleteBatch    = 100
)

// Settings is the engine's effective policy set, durations already
// parsed. Swapped wholesale on config reload.
type Settings struct {
	AdminGroupID   int64
	AdminUserIDs   []int64
	AppName        string
	WelcomeMessage string

	MessageInterval time.Duration
	MediaGroupDelay time.Duration

	CaptchaEnabled            bool
	BanForeverOnDelete        bool
	DeleteUserMessagesOnPurge bool
	SyncEditsWhenClosed       bool
}

func (s Settings) isAdmin(id int64) bool {
	for _, a := range s.AdminUserIDs {
		if a == id {
			return true
		}
	}
	return false
}

// Dispatcher starts a broadcast run. Implemented by services/broadcast.
type Dispatcher interface {
	Dispatch(fromChat int64, messageID int) error
}

// Engine turns inbound updates into relay actions. Updates are sharded
// onto a fixed worker set by conversation, so events of one requester
// or one thread stay ordered while independent conversations proceed
// concurrently.
type Engine struct {
	gw         transport.Gateway
	store      storage.Store
	log        logx.Logger
	registry   *Registry
	mappings   *Mappings
	albums     *Aggregator
	captcha    *Captcha
	cooldown   *cooldown
	dispatcher Dispatcher

	mu  sync.RWMutex
	cfg Settings

	now func() time.Time

	queues []chan transport.Update
	wg     sync.WaitGroup
}

func New(cfg Settings, gw transport.Gateway, store storage.Store, dispatcher Dispatcher, log logx.Logger) *Engine {
	e := &Engine{
		gw:         gw,
		store:      store,
		log:        log,
		registry:   NewRegistry(gw, store, log),
		captcha:    NewCaptcha(gw, log),
		cooldown:   newCooldown(),
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
	}
	e.mappings = NewMappings(store, log)
	e.albums = NewAggregator(gw, store, e.mappings, log)
	e.albums.ThreadGone = e.onAlbumThreadGone
	return e
}

// Apply installs new settings on config reload.
func (e *Engine) Apply(cfg Settings) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.log.Info("relay settings applied",
		logx.Int64("admin_group_id", cfg.AdminGroupID),
		logx.Bool("captcha", cfg.CaptchaEnabled))
}

func (e *Engine) settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Start launches the worker pool and consumes updates until the input
// channel closes or ctx is done.
func (e *Engine) Start(ctx context.Context, updates <-chan transport.Update) {
	e.queues = make([]chan transport.Update, defaultWorkers)
	for i := range e.queues {
		e.queues[i] = make(chan transport.Update, queueDepth)
		e.wg.Add(1)
		go e.worker(ctx, e.queues[i])
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			for _, q := range e.queues {
				close(q)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				e.queues[e.shard(u)] <- u
			}
		}
	}()
}

// Stop waits for workers to drain and pending album flushes to finish.
func (e *Engine) Stop() {
	e.wg.Wait()
	e.albums.Stop()
}

// shard keys an update to its conversation: requesters by their own id
// on the private side, threads by thread id on the operator side.
func (e *Engine) shard(u transport.Update) int {
	var key string
	switch {
	case u.Callback != nil:
		key = fmt.Sprintf("u%d", u.Callback.From.ID)
	case u.Message != nil && u.Message.Private:
		key = fmt.Sprintf("u%d", u.Message.From.ID)
	case u.Message != nil && u.Message.ThreadID != 0:
		key = fmt.Sprintf("t%d", u.Message.ThreadID)
	case u.Message != nil:
		key = fmt.Sprintf("c%d", u.Message.ChatID)
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.queues)))
}

func (e *Engine) worker(ctx context.Context, q <-chan transport.Update) {
	defer e.wg.Done()
	for u := range q {
		e.handle(ctx, u)
	}
}

func (e *Engine) handle(ctx context.Context, u transport.Update) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("update handler panicked", logx.Any("panic", r))
		}
	}()

	switch u.Kind {
	case transport.UpdateCommand:
		e.handleCommand(ctx, u)
	case transport.UpdateMessage:
		if u.Message == nil || u.Message.From.IsBot {
			return
		}
		if u.Message.Private {
			e.handleUserMessage(ctx, u.Message)
		} else if u.Message.ThreadID != 0 {
			e.handleAdminMessage(ctx, u.Message)
		}
	case transport.UpdateEdited:
		if u.Message != nil {
			e.handleEdited(ctx, u.Message)
		}
	case transport.UpdateCallback:
		if u.Callback != nil {
			e.captcha.HandleCallback(ctx, *u.Callback, e.now())
		}
	case transport.UpdateTopicCreated, transport.UpdateTopicClosed, transport.UpdateTopicReopened:
		e.handleTopicEvent(ctx, u)
	}
}

// --- commands -----------------------------------------------------------

func (e *Engine) handleCommand(ctx context.Context, u transport.Update) {
	m := u.Message
	if m == nil {
		return
	}
	cfg := e.settings()
	switch u.Command {
	case "start":
		e.handleStart(ctx, cfg, m)
	case "clear":
		e.handleClear(ctx, cfg, m)
	case "broadcast":
		e.handleBroadcast(ctx, cfg, m)
	}
}

// handleStart greets requesters; for admins in private chat it doubles
// as a self-check reporting whether the operator group is usable.
func (e *Engine) handleStart(ctx context.Context, cfg Settings, m *transport.Message) {
	if !m.Private {
		return
	}
	if cfg.isAdmin(m.From.ID) {
		info, err := e.gw.ChatInfo(ctx, cfg.AdminGroupID)
		var report string
		switch {
		case err != nil:
			report = fmt.Sprintf("Operator group %d is not reachable: %v", cfg.AdminGroupID, err)
		case !info.Supergroup || !info.Forum:
			report = fmt.Sprintf("Chat %q is not a forum supergroup; topics will not work.", info.Title)
		default:
			report = fmt.Sprintf("Ready. Operator group %q has topics enabled.", info.Title)
		}
		if _, err := e.gw.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, report, nil); err != nil {
			e.log.Warn("self-check reply failed", logx.Err(err))
		}
		return
	}
	welcome := cfg.WelcomeMessage
	if welcome == "" {
		name := cfg.AppName
		if name == "" {
			name = "support"
		}
		welcome = fmt.Sprintf("Hi! This is %s. Send a message and an operator will get back to you.", name)
	}
	if _, err := e.gw.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, welcome, nil); err != nil {
		e.log.Warn("welcome failed", logx.Int64("requester_id", m.From.ID), logx.Err(err))
	}
}

// handleClear deletes the current topic and purges everything bound to
// it. Operator-only, inside a topic.
func (e *Engine) handleClear(ctx context.Context, cfg Settings, m *transport.Message) {
	if m.Private || m.ThreadID == 0 || m.ChatID != cfg.AdminGroupID || !cfg.isAdmin(m.From.ID) {
		return
	}

	requester, found, err := e.store.RequesterByThread(ctx, m.ThreadID)
	if err != nil {
		e.log.Error("clear: requester lookup failed", logx.Int("thread_id", m.ThreadID), logx.Err(err))
		return
	}

	// Collect the requester-side message ids before the purge wipes the
	// mappings they live in.
	var userMsgIDs []int
	if cfg.DeleteUserMessagesOnPurge && found {
		userMsgIDs, err = e.store.UserMessageIDs(ctx, requester.ID)
		if err != nil {
			e.log.Warn("clear: message id collection failed", logx.Err(err))
		}
	}

	if err := e.gw.DeleteThread(ctx, cfg.AdminGroupID, m.ThreadID); err != nil {
		e.log.Warn("clear: topic deletion failed", logx.Int("thread_id", m.ThreadID), logx.Err(err))
	}
	requesterID, err := e.registry.Purge(ctx, m.ThreadID, cfg.BanForeverOnDelete)
	if err != nil {
		e.log.Error("clear: purge failed", logx.Int("thread_id", m.ThreadID), logx.Err(err))
		return
	}
	e.cooldown.forget(requesterID)

	for i := 0; i < len(userMsgIDs); i += deleteBatch {
		end := i + deleteBatch
		if end > len(userMsgIDs) {
			end = len(userMsgIDs)
		}
		if err := e.gw.DeleteMessages(ctx, requester.ID, userMsgIDs[i:end]); err != nil {
			e.log.Warn("clear: user message batch deletion failed",
				logx.Int("count", end-i), logx.Err(err))
		}
	}
}

// handleBroadcast hands the replied-to message to the dispatcher.
func (e *Engine) handleBroadcast(ctx context.Context, cfg Settings, m *transport.Message) {
	if !cfg.isAdmin(m.From.ID) {
		return
	}
	target := transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if m.ReplyToID == 0 {
		e.sendTransient(ctx, target, "Reply to the message you want to broadcast.")
		return
	}
	if err := e.dispatcher.Dispatch(m.ChatID, m.ReplyToID); err != nil {
		e.sendTransient(ctx, target, fmt.Sprintf("Broadcast not started: %v", err))
		return
	}
	e.sendTransient(ctx, target, "Broadcast scheduled.")
}

// --- requester side -----------------------------------------------------

func (e *Engine) handleUserMessage(ctx context.Context, m *transport.Message) {
	cfg := e.settings()
	userChat := transport.ChatTarget{ChatID: m.ChatID}

	if err := e.store.UpsertRequester(ctx, storage.Requester{
		ID:        m.From.ID,
		FirstName: m.From.FirstName,
		LastName:  m.From.LastName,
		Username:  m.From.Username,
	}); err != nil {
		e.log.Error("requester upsert failed", logx.Int64("requester_id", m.From.ID), logx.Err(err))
		return
	}
	requester, _, err := e.store.Requester(ctx, m.From.ID)
	if err != nil {
		e.log.Error("requester load failed", logx.Int64("requester_id", m.From.ID), logx.Err(err))
		return
	}

	if requester.Banned {
		e.sendTransient(ctx, userChat, "You can no longer contact the operators here.")
		return
	}

	if cfg.CaptchaEnabled && !e.captcha.Verified(m.From.ID) {
		if mute := e.captcha.MutedFor(m.From.ID, e.now()); mute > 0 {
			e.sendTransient(ctx, userChat,
				fmt.Sprintf("Verification failed recently. Try again in %s.", mute.Round(time.Second)))
			return
		}
		if err := e.captcha.Challenge(ctx, m.ChatID); err != nil {
			e.log.Warn("captcha challenge failed", logx.Int64("requester_id", m.From.ID), logx.Err(err))
		}
		return
	}

	// Reject into a closed thread before touching the cooldown stamp so a
	// bounced message does not burn the sender's interval.
	if requester.ThreadID != 0 && e.registry.IsClosed(ctx, requester.ThreadID) {
		e.sendTransient(ctx, userChat, "This conversation is closed. An operator will reopen it if needed.")
		return
	}

	if wait, ok := e.cooldown.check(m.From.ID, cfg.MessageInterval, e.now()); !ok {
		e.sendTransient(ctx, userChat,
			fmt.Sprintf("You are sending too fast. Wait %s.", wait.Round(time.Second)))
		return
	}

	threadID, created, err := e.registry.ResolveOrCreate(ctx, requester, cfg.AdminGroupID)
	if errors.Is(err, ErrRequesterBanned) {
		e.sendTransient(ctx, userChat, "You can no longer contact the operators here.")
		return
	}
	if err != nil {
		e.log.Error("thread resolve failed", logx.Int64("requester_id", m.From.ID), logx.Err(err))
		e.sendTransient(ctx, userChat, "Could not deliver your message. Please try again later.")
		return
	}
	target := transport.ChatTarget{ChatID: cfg.AdminGroupID, ThreadID: threadID}
	if created {
		e.sendContactCard(ctx, requester, m.From, target)
	}

	replyTo := 0
	if m.ReplyToID != 0 {
		if mp, ok := e.mappings.LookupByUser(ctx, m.From.ID, m.ReplyToID); ok {
			replyTo = mp.GroupMsgID
		}
	}

	if m.AlbumID != "" {
		err := e.albums.Add(ctx, storage.MediaItem{
			GroupID:   m.AlbumID,
			ChatID:    m.ChatID,
			MessageID: m.ID,
			Caption:   m.Caption,
		}, Route{
			FromChat:    m.ChatID,
			To:          target,
			Dir:         DirUserToAdmin,
			RequesterID: m.From.ID,
		}, cfg.MediaGroupDelay)
		if err != nil {
			e.log.Error("album buffering failed", logx.Int64("requester_id", m.From.ID), logx.Err(err))
		}
		return
	}

	sentID, err := e.gw.SendCopy(ctx, m.ChatID, m.ID, target, replyTo)
	if err != nil {
		if transport.IsThreadGone(err) {
			e.registry.InvalidateGone(ctx, threadID, cfg.BanForeverOnDelete)
			e.sendTransient(ctx, userChat, "Your previous conversation expired. Send your message again.")
			return
		}
		e.log.Warn("relay to operators failed", logx.Int64("requester_id", m.From.ID), logx.Err(err))
		e.sendTransient(ctx, userChat, "Could not deliver your message. Please try again later.")
		return
	}
	if err := e.mappings.Record(ctx, m.ID, sentID, m.From.ID); err != nil {
		e.log.Warn("mapping not recorded", logx.Int64("requester_id", m.From.ID), logx.Err(err))
	}
}

// sendContactCard posts the who-is-this header into a freshly opened
// topic: profile photo when available, name, id and a username link.
func (e *Engine) sendContactCard(ctx context.Context, r storage.Requester, from transport.User, target transport.ChatTarget) {
	premium := from.Premium
	summary, err := e.gw.GetProfileSummary(ctx, r.ID)
	if err != nil {
		e.log.Debug("profile summary unavailable", logx.Int64("requester_id", r.ID), logx.Err(err))
	} else if summary.Premium {
		premium = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\nid: %d", r.DisplayName(), r.ID)
	if premium {
		sb.WriteString("\npremium: yes")
	}

	var opt *transport.SendOptions
	if r.Username != "" {
		opt = &transport.SendOptions{Buttons: [][]transport.Button{{{
			Text: "@" + r.Username,
			URL:  "https://t.me/" + r.Username,
		}}}}
	}

	if summary.PhotoFileID != "" {
		if _, err := e.gw.SendPhoto(ctx, target, summary.PhotoFileID, sb.String(), opt); err == nil {
			return
		}
	}
	if _, err := e.gw.SendText(ctx, target, sb.String(), opt); err != nil {
		e.log.Warn("contact card failed", logx.Int64("requester_id", r.ID), logx.Err(err))
	}
}

// --- operator side ------------------------------------------------------

func (e *Engine) handleAdminMessage(ctx context.Context, m *transport.Message) {
	cfg := e.settings()
	if m.ChatID != cfg.AdminGroupID {
		return
	}
	topic := transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}

	requester, found, err := e.store.RequesterByThread(ctx, m.ThreadID)
	if err != nil {
		e.log.Error("thread owner lookup failed", logx.Int("thread_id", m.ThreadID), logx.Err(err))
		return
	}
	if !found {
		e.log.Info("message in orphaned thread ignored", logx.Int("thread_id", m.ThreadID))
		return
	}

	if e.registry.IsClosed(ctx, m.ThreadID) {
		// Closed blocks the requester, not the operator; deliver anyway.
		e.sendTransient(ctx, topic, "Note: this conversation is marked closed.")
	}

	replyTo := 0
	if m.ReplyToID != 0 {
		if mp, ok := e.mappings.LookupByGroup(ctx, m.ReplyToID); ok {
			replyTo = mp.UserMsgID
		}
	}

	userTarget := transport.ChatTarget{ChatID: requester.ID}
	if m.AlbumID != "" {
		err := e.albums.Add(ctx, storage.MediaItem{
			GroupID:   m.AlbumID,
			ChatID:    m.ChatID,
			MessageID: m.ID,
			Caption:   m.Caption,
		}, Route{
			FromChat:    m.ChatID,
			To:          userTarget,
			Dir:         DirAdminToUser,
			RequesterID: requester.ID,
		}, cfg.MediaGroupDelay)
		if err != nil {
			e.log.Error("album buffering failed", logx.Int("thread_id", m.ThreadID), logx.Err(err))
		}
		return
	}

	sentID, err := e.gw.SendCopy(ctx, m.ChatID, m.ID, userTarget, replyTo)
	if err != nil {
		if transport.IsRecipientUnavailable(err) {
			e.sendTransient(ctx, topic, "The requester has blocked the bot or deactivated their account.")
			return
		}
		e.log.Warn("relay to requester failed", logx.Int64("requester_id", requester.ID), logx.Err(err))
		e.sendTransient(ctx, topic, fmt.Sprintf("Delivery failed: %v", err))
		return
	}
	if err := e.mappings.Record(ctx, sentID, m.ID, requester.ID); err != nil {
		e.log.Warn("mapping not recorded", logx.Int64("requester_id", requester.ID), logx.Err(err))
	}
}

// --- lifecycle and edits ------------------------------------------------

func (e *Engine) handleTopicEvent(ctx context.Context, u transport.Update) {
	m := u.Message
	cfg := e.settings()
	if m == nil || m.ChatID != cfg.AdminGroupID || m.ThreadID == 0 {
		return
	}

	requester, found, err := e.store.RequesterByThread(ctx, m.ThreadID)
	if err != nil {
		e.log.Warn("thread owner lookup failed", logx.Int("thread_id", m.ThreadID), logx.Err(err))
		return
	}
	var requesterID int64
	if found {
		requesterID = requester.ID
	}

	var state storage.ThreadState
	var notice string
	switch u.Kind {
	case transport.UpdateTopicCreated:
		state = storage.ThreadOpened
	case transport.UpdateTopicClosed:
		state = storage.ThreadClosed
		notice = "The operator closed this conversation."
	case transport.UpdateTopicReopened:
		state = storage.ThreadOpened
		notice = "The conversation was reopened. You can write again."
	default:
		return
	}

	if err := e.registry.SetStatus(ctx, m.ThreadID, requesterID, state); err != nil {
		e.log.Error("thread status update failed", logx.Int("thread_id", m.ThreadID), logx.Err(err))
		return
	}
	if notice != "" && found {
		if _, err := e.gw.SendText(ctx, transport.ChatTarget{ChatID: requester.ID}, notice, nil); err != nil {
			e.log.Debug("lifecycle notice failed", logx.Int64("requester_id", requester.ID), logx.Err(err))
		}
	}
}

func (e *Engine) handleEdited(ctx context.Context, m *transport.Message) {
	cfg := e.settings()

	var (
		mp     storage.Mapping
		ok     bool
		chatID int64
		msgID  int
	)
	switch {
	case m.Private:
		if mp, ok = e.mappings.LookupByUser(ctx, m.From.ID, m.ID); !ok {
			return
		}
		chatID, msgID = cfg.AdminGroupID, mp.GroupMsgID
	case m.ChatID == cfg.AdminGroupID && m.ThreadID != 0:
		if mp, ok = e.mappings.LookupByGroup(ctx, m.ID); !ok {
			return
		}
		chatID, msgID = mp.RequesterID, mp.UserMsgID
	default:
		return
	}

	if !cfg.SyncEditsWhenClosed {
		requester, found, err := e.store.Requester(ctx, mp.RequesterID)
		if err == nil && found && requester.ThreadID != 0 && e.registry.IsClosed(ctx, requester.ThreadID) {
			return
		}
	}

	var editErr error
	if m.Text != "" {
		editErr = e.editSwallowUnchanged(e.gw.EditText(ctx, chatID, msgID, m.Text))
	} else {
		editErr = e.editSwallowUnchanged(e.gw.EditCaption(ctx, chatID, msgID, m.Caption))
	}
	if editErr != nil {
		e.log.Warn("edit sync failed",
			logx.Int64("chat_id", chatID), logx.Int("message_id", msgID), logx.Err(editErr))
	}
}

func (e *Engine) editSwallowUnchanged(err error) error {
	if err == nil || transport.IsNotModified(err) {
		return nil
	}
	return err
}

// onAlbumThreadGone mirrors the single-message ThreadGone path for
// flushed albums that land in a deleted topic.
func (e *Engine) onAlbumThreadGone(route Route) {
	if route.Dir != DirUserToAdmin || route.To.ThreadID == 0 {
		return
	}
	cfg := e.settings()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	e.registry.InvalidateGone(ctx, route.To.ThreadID, cfg.BanForeverOnDelete)
	_, _ = e.gw.SendText(ctx, transport.ChatTarget{ChatID: route.RequesterID},
		"Your previous conversation expired. Send your message again.", nil)
}

// sendTransient posts a short-lived notice and removes it after a
// grace period so chats do not fill with bookkeeping.
func (e *Engine) sendTransient(ctx context.Context, to transport.ChatTarget, text string) {
	id, err := e.gw.SendText(ctx, to, text, nil)
	if err != nil {
		e.log.Debug("transient notice failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
		return
	}
	time.AfterFunc(transientTTL, func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.gw.DeleteMessage(dctx, to.ChatID, id)
	})
}
