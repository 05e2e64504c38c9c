package relay

import (
	"context"
	"errors"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Mappings wraps the durable message-id correspondence. A missing
// mapping is never an error: callers degrade to "no reply link" /
// "no edit sync". A conflicting one is a logic bug and is surfaced.
type Mappings struct {
	store storage.Store
	log   logx.Logger
}

func NewMappings(store storage.Store, log logx.Logger) *Mappings {
	return &Mappings{store: store, log: log}
}

// Record stores one mapping after a successful delivery.
func (m *Mappings) Record(ctx context.Context, userMsgID, groupMsgID int, requesterID int64) error {
	err := m.store.InsertMapping(ctx, storage.Mapping{
		UserMsgID:   userMsgID,
		GroupMsgID:  groupMsgID,
		RequesterID: requesterID,
	})
	if errors.Is(err, storage.ErrDuplicateMapping) {
		m.log.Error("message mapping conflict",
			logx.Int("user_msg_id", userMsgID),
			logx.Int("group_msg_id", groupMsgID),
			logx.Int64("requester_id", requesterID),
			logx.Err(err))
	}
	return err
}

// LookupByUser resolves a private-chat message id for one requester.
// User-side ids repeat across chats, so the requester is part of the key.
func (m *Mappings) LookupByUser(ctx context.Context, requesterID int64, userMsgID int) (storage.Mapping, bool) {
	mp, ok, err := m.store.MappingByUserMsg(ctx, requesterID, userMsgID)
	if err != nil {
		m.log.Warn("mapping lookup failed",
			logx.Int64("requester_id", requesterID),
			logx.Int("user_msg_id", userMsgID),
			logx.Err(err))
		return storage.Mapping{}, false
	}
	return mp, ok
}

func (m *Mappings) LookupByGroup(ctx context.Context, groupMsgID int) (storage.Mapping, bool) {
	mp, ok, err := m.store.MappingByGroupMsg(ctx, groupMsgID)
	if err != nil {
		m.log.Warn("mapping lookup failed", logx.Int("group_msg_id", groupMsgID), logx.Err(err))
		return storage.Mapping{}, false
	}
	return mp, ok
}

func (m *Mappings) PurgeByRequester(ctx context.Context, requesterID int64) (int64, error) {
	return m.store.DeleteMappingsByRequester(ctx, requesterID)
}
