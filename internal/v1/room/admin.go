package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/protocol"
	"github.com/wirebus/wirebus/internal/v1/store"
)

// fanOutToAdmins delivers a decorated copy of every inbound message to each
// open admin socket except the sender itself. Admin delivery is
// observational and never blocks primary routing; stale admins are skipped.
func (r *Room) fanOutToAdmins(sender *Conn, env *protocol.Envelope) {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.admins))
	for _, a := range r.admins {
		if a == sender || !a.IsOpen() {
			continue
		}
		targets = append(targets, a)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	copyEnv := env.Clone()
	if err := copyEnv.Set("_meta", map[string]any{
		"from":        sender.ID,
		"projectId":   r.ID,
		"forwardedAt": protocol.NowMillis(),
	}); err != nil {
		logging.Error(context.Background(), "Failed to decorate admin copy",
			zap.String("room", r.ID), zap.Error(err))
		return
	}

	data, err := copyEnv.Encode()
	if err != nil {
		logging.Error(context.Background(), "Failed to encode admin copy",
			zap.String("room", r.ID), zap.Error(err))
		return
	}

	for _, a := range targets {
		a.SendRaw(data)
	}
}

// archive persists the inbound frame and bumps the usage counters. Both are
// fire-and-forget: routing never waits on, or fails with, the store.
func (r *Room) archive(sender *Conn, msgType string, raw []byte) {
	entry := store.StoredLog{
		ID:           uuid.New().String(),
		Timestamp:    protocol.NowMillis(),
		MessageType:  msgType,
		Direction:    "incoming",
		Envelope:     json.RawMessage(append([]byte(nil), raw...)),
		ClientID:     sender.ID,
		ClientRole:   string(sender.Role),
		ProjectID:    r.ID,
		FromClientID: sender.ID,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.AppendLog(ctx, entry); err != nil {
			logging.Warn(ctx, "Log append failed", zap.String("room", r.ID), zap.Error(err))
		}
		if err := r.store.IncrUsage(ctx, r.ID, entry.Timestamp); err != nil {
			logging.Warn(ctx, "Usage increment failed", zap.String("room", r.ID), zap.Error(err))
		}
	}()
}

// ReplayHistory sends a newly admitted admin one historical_logs frame with
// the recent archive, newest first, capped at the replay limit.
func (r *Room) ReplayHistory(ctx context.Context, admin *Conn) {
	logs, err := r.store.RecentLogs(ctx, r.ID, r.cfg.HistoryReplayLimit)
	if err != nil {
		logging.Warn(ctx, "History replay read failed",
			zap.String("room", r.ID), zap.String("adminId", admin.ID), zap.Error(err))
		logs = nil
	}
	if logs == nil {
		logs = []store.StoredLog{}
	}

	frame := protocol.New(protocol.TypeHistoricalLogs)
	_ = frame.Set("projectId", r.ID)
	if err := frame.Set("logs", logs); err != nil {
		logging.Error(ctx, "Failed to encode history replay", zap.String("room", r.ID), zap.Error(err))
		return
	}
	_ = frame.Set("count", len(logs))

	admin.Send(frame)
}
