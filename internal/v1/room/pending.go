package room

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/metrics"
	"github.com/wirebus/wirebus/internal/v1/protocol"
)

// Request kinds tracked in the pending table.
const (
	kindQuery = "query"
	kindDocs  = "docs"
)

// pendingRequest is one in-flight runtime request awaiting an agent reply.
// Each entry owns exactly one scheduled timeout; every removal path (reply,
// timeout, runtime disconnect, room shutdown) goes through
// removePendingLocked so the timer is cancelled exactly once.
type pendingRequest struct {
	requestID string
	runtimeID string
	kind      string
	createdAt time.Time
	timer     *time.Timer
}

// insertPendingLocked registers a request and schedules its timeout.
// Caller must hold r.mu.
func (r *Room) insertPendingLocked(requestID, runtimeID, kind string) {
	p := &pendingRequest{
		requestID: requestID,
		runtimeID: runtimeID,
		kind:      kind,
		createdAt: time.Now(),
	}
	p.timer = time.AfterFunc(r.cfg.RequestTimeout, func() {
		r.expirePending(requestID)
	})
	r.pending[requestID] = p
	metrics.PendingRequests.Inc()
}

// removePendingLocked takes an entry out of the table and stops its timer.
// Caller must hold r.mu.
func (r *Room) removePendingLocked(requestID string) (*pendingRequest, bool) {
	p, ok := r.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(r.pending, requestID)
	p.timer.Stop()
	metrics.PendingRequests.Dec()
	return p, true
}

// expirePending fires on timeout: the entry is removed and the issuing
// runtime receives an error envelope carrying the requestId.
func (r *Room) expirePending(requestID string) {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, requestID)
	metrics.PendingRequests.Dec()
	metrics.RequestTimeouts.Inc()

	var target *Conn
	if r.runtime != nil && r.runtime.ID == p.runtimeID && r.runtime.IsOpen() {
		target = r.runtime
	}
	r.mu.Unlock()

	logging.Warn(context.Background(), "Pending request timed out",
		zap.String("room", r.ID), zap.String("requestId", requestID), zap.String("kind", p.kind))

	if target != nil {
		message := fmt.Sprintf("timeout after %dms", r.cfg.RequestTimeout.Milliseconds())
		target.Send(protocol.NewError(r.ID, requestID, message))
	}
}

// cancelPendingForRuntimeLocked drops every entry tagged to the given
// runtime id. Used on runtime disconnect and replacement; the old runtime
// is gone, so no error frame is emitted. Caller must hold r.mu.
func (r *Room) cancelPendingForRuntimeLocked(runtimeID string) {
	for id, p := range r.pending {
		if p.runtimeID != runtimeID {
			continue
		}
		delete(r.pending, id)
		p.timer.Stop()
		metrics.PendingRequests.Dec()
	}
}

// cancelAllPendingLocked empties the table on shutdown or idle release.
// Caller must hold r.mu.
func (r *Room) cancelAllPendingLocked() {
	for id, p := range r.pending {
		delete(r.pending, id)
		p.timer.Stop()
		metrics.PendingRequests.Dec()
	}
}

// PendingCount is exposed for tests and the status snapshot.
func (r *Room) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
