// Package telegram adapts gopkg.in/telebot.v4 to the transport.Gateway
// capability surface and feeds inbound updates to the relay engine.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	out       chan<- transport.Update
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	a.registerHandlers()

	// Periodic summary for dropped updates.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
				}
			}
		}
	}()

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) registerHandlers() {
	for _, cmd := range []string{"/start", "/clear", "/broadcast"} {
		name := strings.TrimPrefix(cmd, "/")
		a.bot.Handle(cmd, func(c tele.Context) error {
			m := c.Message()
			if m == nil {
				return nil
			}
			a.emit(transport.Update{Kind: transport.UpdateCommand, Command: name, Message: convertMessage(m)})
			return nil
		})
	}

	forward := func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		a.emit(transport.Update{Kind: transport.UpdateMessage, Message: convertMessage(m)})
		return nil
	}
	for _, ep := range []string{
		tele.OnText, tele.OnPhoto, tele.OnVideo, tele.OnAnimation,
		tele.OnAudio, tele.OnVoice, tele.OnVideoNote, tele.OnDocument,
		tele.OnSticker, tele.OnLocation, tele.OnContact, tele.OnVenue,
	} {
		a.bot.Handle(ep, forward)
	}

	a.bot.Handle(tele.OnEdited, func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		a.emit(transport.Update{Kind: transport.UpdateEdited, Message: convertMessage(m)})
		return nil
	})

	a.bot.Handle(tele.OnTopicCreated, func(c tele.Context) error {
		return a.emitTopic(c, transport.UpdateTopicCreated)
	})
	a.bot.Handle(tele.OnTopicClosed, func(c tele.Context) error {
		return a.emitTopic(c, transport.UpdateTopicClosed)
	})
	a.bot.Handle(tele.OnTopicReopened, func(c tele.Context) error {
		return a.emitTopic(c, transport.UpdateTopicReopened)
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		up := transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				MessageID: m.ID,
				From:      convertUser(cb.Sender),
				Data:      strings.TrimSpace(cb.Data),
			},
		}
		a.emit(up)
		return nil
	})
}

func (a *Adapter) emitTopic(c tele.Context, kind transport.UpdateKind) error {
	m := c.Message()
	if m == nil {
		return nil
	}
	a.emit(transport.Update{Kind: kind, Message: convertMessage(m)})
	return nil
}

func (a *Adapter) emit(up transport.Update) {
	select {
	case a.out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for long on the
	// Telegram long-poll.
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func convertMessage(m *tele.Message) *transport.Message {
	msg := &transport.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Private:  m.Chat.Type == tele.ChatPrivate,
		AlbumID:  m.AlbumID,
		Text:     m.Text,
		Caption:  m.Caption,
	}
	if m.Sender != nil {
		msg.From = convertUser(m.Sender)
	}
	if m.ReplyTo != nil {
		msg.ReplyToID = m.ReplyTo.ID
	}
	return msg
}

func convertUser(u *tele.User) transport.User {
	if u == nil {
		return transport.User{}
	}
	return transport.User{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
		IsBot:     u.IsBot,
		Premium:   u.IsPremium,
	}
}

// ---- Gateway ----

func (a *Adapter) SendCopy(ctx context.Context, fromChat int64, messageID int, to transport.ChatTarget, replyTo int) (int, error) {
	opt := &tele.SendOptions{ThreadID: to.ThreadID}
	if replyTo != 0 {
		opt.ReplyTo = &tele.Message{ID: replyTo, Chat: &tele.Chat{ID: to.ChatID}}
	}
	msg, err := a.bot.Copy(&tele.Chat{ID: to.ChatID}, stored(fromChat, messageID), opt)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (a *Adapter) SendCopies(ctx context.Context, fromChat int64, messageIDs []int, to transport.ChatTarget) ([]int, error) {
	msgs := make([]tele.Editable, 0, len(messageIDs))
	for _, id := range messageIDs {
		msgs = append(msgs, stored(fromChat, id))
	}
	sent, err := a.bot.CopyMany(&tele.Chat{ID: to.ChatID}, msgs, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(sent))
	for _, m := range sent {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (int, error) {
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOptions(to, opt))
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to transport.ChatTarget, fileID, caption string, opt *transport.SendOptions) (int, error) {
	photo := &tele.Photo{File: tele.File{FileID: fileID}, Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, photo, sendOptions(to, opt))
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (a *Adapter) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	_, err := a.bot.Edit(stored(chatID, messageID), text)
	return err
}

func (a *Adapter) EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error {
	_, err := a.bot.EditCaption(stored(chatID, messageID), caption)
	return err
}

func (a *Adapter) CreateThread(ctx context.Context, parentChat int64, name string) (int, error) {
	topic, err := a.bot.CreateTopic(&tele.Chat{ID: parentChat}, &tele.Topic{Name: name})
	if err != nil {
		return 0, err
	}
	return topic.ThreadID, nil
}

func (a *Adapter) DeleteThread(ctx context.Context, parentChat int64, threadID int) error {
	return a.bot.DeleteTopic(&tele.Chat{ID: parentChat}, &tele.Topic{ThreadID: threadID})
}

func (a *Adapter) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return a.bot.Delete(stored(chatID, messageID))
}

func (a *Adapter) DeleteMessages(ctx context.Context, chatID int64, messageIDs []int) error {
	msgs := make([]tele.Editable, 0, len(messageIDs))
	for _, id := range messageIDs {
		msgs = append(msgs, stored(chatID, id))
	}
	return a.bot.DeleteMany(msgs)
}

func (a *Adapter) GetProfileSummary(ctx context.Context, userID int64) (transport.ProfileSummary, error) {
	var sum transport.ProfileSummary
	photos, err := a.bot.ProfilePhotosOf(&tele.User{ID: userID})
	if err != nil {
		return sum, err
	}
	if len(photos) > 0 {
		sum.PhotoFileID = photos[0].FileID
	}
	return sum, nil
}

func (a *Adapter) ChatInfo(ctx context.Context, chatID int64) (transport.ChatInfo, error) {
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		return transport.ChatInfo{}, err
	}
	return transport.ChatInfo{
		Title:      chat.Title,
		Supergroup: chat.Type == tele.ChatSuperGroup,
		Forum:      chat.IsForum,
	}, nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text, ShowAlert: alert})
}

func sendOptions(to transport.ChatTarget, opt *transport.SendOptions) *tele.SendOptions {
	out := &tele.SendOptions{ThreadID: to.ThreadID, DisableWebPagePreview: true}
	if opt == nil {
		return out
	}
	out.ParseMode = opt.ParseMode
	if opt.ReplyTo != 0 {
		out.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: &tele.Chat{ID: to.ChatID}}
	}
	if len(opt.Buttons) > 0 {
		rows := make([][]tele.InlineButton, 0, len(opt.Buttons))
		for _, r := range opt.Buttons {
			row := make([]tele.InlineButton, 0, len(r))
			for _, b := range r {
				row = append(row, tele.InlineButton{Text: b.Text, Data: b.Data, URL: b.URL})
			}
			rows = append(rows, row)
		}
		out.ReplyMarkup = &tele.ReplyMarkup{InlineKeyboard: rows}
	}
	return out
}

func stored(chatID int64, messageID int) tele.Editable {
	return &tele.StoredMessage{ChatID: chatID, MessageID: strconv.Itoa(messageID)}
}
