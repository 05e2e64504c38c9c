package storage

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateMapping indicates a message id that already maps to a
// different counterpart. Under correct single-writer use this is a logic
// bug, not a transient condition.
var ErrDuplicateMapping = errors.New("duplicate message mapping")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type ThreadState string

const (
	ThreadOpened ThreadState = "opened"
	ThreadClosed ThreadState = "closed"
)

// Requester is one end user. Created on first inbound contact, never
// deleted; ThreadID is 0 while no topic exists for them.
type Requester struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	ThreadID  int
	Banned    bool
}

// DisplayName renders the requester the way topic titles and operator
// notices refer to them.
func (r Requester) DisplayName() string {
	name := r.FirstName
	if r.LastName != "" {
		if name != "" {
			name += " "
		}
		name += r.LastName
	}
	if name == "" {
		name = r.Username
	}
	return name
}

// Mapping pairs a requester-side message id with its delivered
// admin-group counterpart. Immutable once written. UserMsgID is a
// per-chat counter and only identifies a message together with
// RequesterID; GroupMsgID is unique across the single admin group.
type Mapping struct {
	UserMsgID   int
	GroupMsgID  int
	RequesterID int64
}

// MediaItem is one buffered element of an album awaiting flush.
type MediaItem struct {
	GroupID   string
	ChatID    int64
	MessageID int
	Header    bool
	Caption   string
}

// Store is the persistence API consumed by the relay core.
type Store interface {
	UpsertRequester(ctx context.Context, r Requester) error
	Requester(ctx context.Context, id int64) (Requester, bool, error)
	RequesterByThread(ctx context.Context, threadID int) (Requester, bool, error)
	ListRequesterIDs(ctx context.Context) ([]int64, error)
	SetBanned(ctx context.Context, id int64, banned bool) error

	// BindThread assigns a fresh topic to a requester and records the
	// opened status as one transaction.
	BindThread(ctx context.Context, requesterID int64, threadID int) error
	SetThreadStatus(ctx context.Context, threadID int, requesterID int64, state ThreadState) error
	ThreadStatus(ctx context.Context, threadID int) (ThreadState, bool, error)
	// PurgeThread drops the status row, clears the owning requester's
	// thread reference, deletes that requester's mappings and optionally
	// flags them banned, all in one transaction. Returns the affected
	// requester id (0 when the thread was orphaned).
	PurgeThread(ctx context.Context, threadID int, ban bool) (int64, error)

	InsertMapping(ctx context.Context, m Mapping) error
	// MappingByUserMsg is scoped to one requester because user-side ids
	// repeat across private chats.
	MappingByUserMsg(ctx context.Context, requesterID int64, userMsgID int) (Mapping, bool, error)
	MappingByGroupMsg(ctx context.Context, groupMsgID int) (Mapping, bool, error)
	UserMessageIDs(ctx context.Context, requesterID int64) ([]int, error)
	DeleteMappingsByRequester(ctx context.Context, requesterID int64) (int64, error)

	// AppendMediaItem buffers one album element; first reports whether it
	// opened a new buffer for (GroupID, ChatID).
	AppendMediaItem(ctx context.Context, it MediaItem) (first bool, err error)
	// TakeMediaGroup returns the buffered items in arrival order and
	// deletes them in the same transaction, so a buffer is consumed at
	// most once.
	TakeMediaGroup(ctx context.Context, groupID string, chatID int64) ([]MediaItem, error)
	PruneMediaGroups(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
