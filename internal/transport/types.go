// Package transport defines the platform-agnostic update model and the
// Gateway capability surface the relay core consumes. The Telegram
// implementation lives in transport/telegram.
package transport

import "context"

type UpdateKind int

const (
	UpdateMessage UpdateKind = iota
	UpdateEdited
	UpdateCommand
	UpdateCallback
	UpdateTopicCreated
	UpdateTopicClosed
	UpdateTopicReopened
)

type User struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	IsBot     bool
	Premium   bool
}

type Message struct {
	ID       int
	ChatID   int64
	ThreadID int
	From     User
	Private  bool

	// AlbumID groups co-submitted attachments; empty for single messages.
	AlbumID string

	Text      string
	Caption   string
	ReplyToID int
}

type Callback struct {
	ID        string
	ChatID    int64
	MessageID int
	From      User
	Data      string
}

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
	// Command holds the command name (without slash) for UpdateCommand;
	// the triggering message is in Message.
	Command string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type ChatInfo struct {
	Title      string
	Supergroup bool
	Forum      bool
}

type ProfileSummary struct {
	PhotoFileID string
	Premium     bool
}

type Button struct {
	Text string
	Data string
	URL  string
}

type SendOptions struct {
	ParseMode string
	ReplyTo   int
	Buttons   [][]Button
}

// Gateway is the capability set the relay core needs from the chat
// platform. Any SDK can be adapted behind it.
type Gateway interface {
	// SendCopy re-delivers one message into the target chat (and topic),
	// returning the delivered message id.
	SendCopy(ctx context.Context, fromChat int64, messageID int, to ChatTarget, replyTo int) (int, error)
	// SendCopies delivers a batch as one visually grouped unit; the
	// result preserves input order.
	SendCopies(ctx context.Context, fromChat int64, messageIDs []int, to ChatTarget) ([]int, error)

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (int, error)
	SendPhoto(ctx context.Context, to ChatTarget, fileID, caption string, opt *SendOptions) (int, error)

	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error

	CreateThread(ctx context.Context, parentChat int64, name string) (int, error)
	DeleteThread(ctx context.Context, parentChat int64, threadID int) error

	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	// DeleteMessages removes up to 100 messages per call; callers batch.
	DeleteMessages(ctx context.Context, chatID int64, messageIDs []int) error

	GetProfileSummary(ctx context.Context, userID int64) (ProfileSummary, error)
	ChatInfo(ctx context.Context, chatID int64) (ChatInfo, error)

	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
}
