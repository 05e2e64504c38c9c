package relay

import (
	"context"
	"sync"

	"relaybot/internal/transport"
)

type copyCall struct {
	FromChat  int64
	MessageID int
	To        transport.ChatTarget
	ReplyTo   int
}

type copiesCall struct {
	FromChat   int64
	MessageIDs []int
	To         transport.ChatTarget
}

type textCall struct {
	To   transport.ChatTarget
	Text string
	Opt  *transport.SendOptions
}

type editCall struct {
	ChatID    int64
	MessageID int
	Content   string
}

// fakeGateway records every call and hands out monotonically increasing
// message ids. Error behavior is injected per method.
type fakeGateway struct {
	mu sync.Mutex

	nextMsgID    int
	nextThreadID int

	copies   []copyCall
	batches  []copiesCall
	texts    []textCall
	edits    []editCall
	threads  []string
	deleted  []int
	delMsgs  [][]int
	profiles map[int64]transport.ProfileSummary

	copyErr   func(to transport.ChatTarget) error
	copiesErr func(to transport.ChatTarget) error
	chatInfo  transport.ChatInfo
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nextMsgID:    1000,
		nextThreadID: 1,
		profiles:     map[int64]transport.ProfileSummary{},
		chatInfo:     transport.ChatInfo{Title: "ops", Supergroup: true, Forum: true},
	}
}

func (g *fakeGateway) SendCopy(ctx context.Context, fromChat int64, messageID int, to transport.ChatTarget, replyTo int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.copyErr != nil {
		if err := g.copyErr(to); err != nil {
			return 0, err
		}
	}
	g.nextMsgID++
	g.copies = append(g.copies, copyCall{fromChat, messageID, to, replyTo})
	return g.nextMsgID, nil
}

func (g *fakeGateway) SendCopies(ctx context.Context, fromChat int64, messageIDs []int, to transport.ChatTarget) ([]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.copiesErr != nil {
		if err := g.copiesErr(to); err != nil {
			return nil, err
		}
	}
	ids := make([]int, len(messageIDs))
	for i := range messageIDs {
		g.nextMsgID++
		ids[i] = g.nextMsgID
	}
	g.batches = append(g.batches, copiesCall{fromChat, append([]int(nil), messageIDs...), to})
	return ids, nil
}

func (g *fakeGateway) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextMsgID++
	g.texts = append(g.texts, textCall{to, text, opt})
	return g.nextMsgID, nil
}

func (g *fakeGateway) SendPhoto(ctx context.Context, to transport.ChatTarget, fileID, caption string, opt *transport.SendOptions) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextMsgID++
	return g.nextMsgID, nil
}

func (g *fakeGateway) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edits = append(g.edits, editCall{chatID, messageID, text})
	return nil
}

func (g *fakeGateway) EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edits = append(g.edits, editCall{chatID, messageID, caption})
	return nil
}

func (g *fakeGateway) CreateThread(ctx context.Context, parentChat int64, name string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextThreadID++
	g.threads = append(g.threads, name)
	return g.nextThreadID, nil
}

func (g *fakeGateway) DeleteThread(ctx context.Context, parentChat int64, threadID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, threadID)
	return nil
}

func (g *fakeGateway) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return nil
}

func (g *fakeGateway) DeleteMessages(ctx context.Context, chatID int64, messageIDs []int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delMsgs = append(g.delMsgs, append([]int(nil), messageIDs...))
	return nil
}

func (g *fakeGateway) GetProfileSummary(ctx context.Context, userID int64) (transport.ProfileSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profiles[userID], nil
}

func (g *fakeGateway) ChatInfo(ctx context.Context, chatID int64) (transport.ChatInfo, error) {
	return g.chatInfo, nil
}

func (g *fakeGateway) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	return nil
}

func (g *fakeGateway) copyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.copies)
}

func (g *fakeGateway) lastCopy() copyCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.copies[len(g.copies)-1]
}

func (g *fakeGateway) batchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.batches)
}
