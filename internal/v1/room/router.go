package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wirebus/wirebus/internal/v1/fixtures"
	"github.com/wirebus/wirebus/internal/v1/logging"
	"github.com/wirebus/wirebus/internal/v1/metrics"
	"github.com/wirebus/wirebus/internal/v1/protocol"
)

// Route is the message handler for one inbound frame. It parses the
// envelope, archives it, fans a decorated copy out to admins, and
// dispatches by type. Nothing in here is fatal to the room: failures are
// logged and surface to the sender as an error envelope at most.
func (r *Room) Route(ctx context.Context, sender *Conn, data []byte) {
	start := time.Now()

	env, err := protocol.Parse(data)
	if err != nil {
		metrics.MessagesRouted.WithLabelValues("invalid", "rejected").Inc()
		logging.Warn(ctx, "Rejecting unparseable frame",
			zap.String("room", r.ID), zap.String("clientId", sender.ID), zap.Error(err))
		sender.Send(protocol.NewError(r.ID, "", fmt.Sprintf("invalid message: %v", err)))
		return
	}

	// Loop guard: an inbound error envelope must never provoke another
	// error envelope, no matter what the dispatch below runs into.
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, "Recovered from panic in dispatch",
				zap.String("room", r.ID), zap.String("clientId", sender.ID),
				zap.String("type", env.Type), zap.Any("panic", rec))
			if env.Type != protocol.TypeError {
				sender.Send(protocol.NewError(r.ID, env.RequestID, "internal routing failure"))
			}
		}
		metrics.DispatchDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
	}()

	r.mu.Lock()
	r.touchLocked()
	r.mu.Unlock()

	r.archive(sender, env.Type, data)
	r.fanOutToAdmins(sender, env)

	switch env.Type {
	case protocol.TypeGraphQLQuery:
		r.handleRequest(ctx, sender, env, kindQuery)
	case protocol.TypeGetDocs:
		r.handleRequest(ctx, sender, env, kindDocs)
	case protocol.TypeQueryResponse, protocol.TypeDocs:
		r.handleReply(ctx, sender, env)
	case protocol.TypeGetProdUI:
		r.handleGetProdUI(ctx, sender, env)
	case protocol.TypeProdUIResponse:
		r.handleProdUIResponse(ctx, sender, env)
	case protocol.TypeCheckAgents:
		r.handleCheckAgents(sender, env)
	case protocol.TypePing:
		r.handlePing(sender)
	case protocol.TypeError:
		// Log only. Echoing would open an error loop between peers.
		metrics.MessagesRouted.WithLabelValues(env.Type, "logged").Inc()
		logging.Warn(ctx, "Peer reported error",
			zap.String("room", r.ID), zap.String("clientId", sender.ID), zap.String("message", env.Message))
	default:
		metrics.MessagesRouted.WithLabelValues("unknown", "dropped").Inc()
		logging.Warn(ctx, "Unknown message type received",
			zap.String("room", r.ID), zap.String("clientId", sender.ID), zap.String("type", env.Type))
	}
}

// requireRole rejects a message sent from the wrong role with an error
// envelope to the sender.
func (r *Room) requireRole(sender *Conn, env *protocol.Envelope, want protocol.Role) bool {
	if sender.Role == want {
		return true
	}
	metrics.MessagesRouted.WithLabelValues(env.Type, "rejected").Inc()
	sender.Send(protocol.NewError(r.ID, env.RequestID,
		fmt.Sprintf("%s may only be sent by a %s connection", env.Type, want)))
	return false
}

// handleRequest routes graphql_query and get_docs from the runtime to one
// open agent, registering a pending entry for correlation. With no agent
// available the reply is synthesized from fixtures, or an error when the
// fixture generator is disabled.
func (r *Room) handleRequest(ctx context.Context, sender *Conn, env *protocol.Envelope, kind string) {
	if !r.requireRole(sender, env, protocol.RoleRuntime) {
		return
	}
	if env.RequestID == "" {
		metrics.MessagesRouted.WithLabelValues(env.Type, "rejected").Inc()
		sender.Send(protocol.NewError(r.ID, "", fmt.Sprintf("%s requires a requestId", env.Type)))
		return
	}

	r.mu.Lock()
	agent := r.firstOpenAgentLocked()
	if agent == nil {
		r.mu.Unlock()
		r.respondFallback(ctx, sender, env, kind)
		return
	}
	r.insertPendingLocked(env.RequestID, sender.ID, kind)
	r.mu.Unlock()

	fwd := env.Clone()
	if err := fwd.Set("runtimeId", sender.ID); err != nil {
		logging.Error(ctx, "Failed to annotate request", zap.String("room", r.ID), zap.Error(err))
		return
	}
	agent.Send(fwd)
	metrics.MessagesRouted.WithLabelValues(env.Type, "forwarded").Inc()
}

// firstOpenAgentLocked returns the first agent whose socket is OPEN,
// evicting stale entries found along the way. Caller must hold r.mu.
func (r *Room) firstOpenAgentLocked() *Conn {
	for id, a := range r.agents {
		if a.IsOpen() {
			return a
		}
		delete(r.agents, id)
		metrics.RoomConnections.WithLabelValues(r.ID, string(protocol.RoleAgent)).Dec()
		logging.Warn(context.Background(), "Evicted stale agent",
			zap.String("room", r.ID), zap.String("agentId", id))
	}
	return nil
}

// respondFallback answers a runtime request when no agent is connected.
func (r *Room) respondFallback(ctx context.Context, sender *Conn, env *protocol.Envelope, kind string) {
	if !r.cfg.FixturesEnabled {
		metrics.MessagesRouted.WithLabelValues(env.Type, "rejected").Inc()
		sender.Send(protocol.NewError(r.ID, env.RequestID, "no agent available"))
		return
	}

	query := ""
	if raw, ok := env.Get("query"); ok {
		if err := json.Unmarshal(raw, &query); err != nil {
			query = string(raw)
		}
	}

	var reply *protocol.Envelope
	switch kind {
	case kindDocs:
		reply = protocol.New(protocol.TypeDocs)
		if err := reply.Set("data", fixtures.DocsData(query)); err != nil {
			logging.Error(ctx, "Failed to build docs fixture", zap.String("room", r.ID), zap.Error(err))
			return
		}
	default:
		reply = protocol.New(protocol.TypeQueryResponse)
		if err := reply.Set("data", fixtures.QueryData(query)); err != nil {
			logging.Error(ctx, "Failed to build query fixture", zap.String("room", r.ID), zap.Error(err))
			return
		}
	}
	_ = reply.Set("requestId", env.RequestID)
	_ = reply.Set("projectId", r.ID)

	sender.Send(reply)
	metrics.FallbackResponses.Inc()
	metrics.MessagesRouted.WithLabelValues(env.Type, "fallback").Inc()
}

// handleReply correlates query_response and docs back to the issuing
// runtime. Replies without a live pending entry are duplicates or
// stragglers past their timeout and are dropped without error.
func (r *Room) handleReply(ctx context.Context, sender *Conn, env *protocol.Envelope) {
	if !r.requireRole(sender, env, protocol.RoleAgent) {
		return
	}

	r.mu.Lock()
	p, ok := r.pending[env.RequestID]
	if !ok {
		r.mu.Unlock()
		metrics.MessagesRouted.WithLabelValues(env.Type, "dropped").Inc()
		logging.Info(ctx, "Dropping uncorrelated reply",
			zap.String("room", r.ID), zap.String("requestId", env.RequestID))
		return
	}

	if r.runtime == nil || r.runtime.ID != p.runtimeID {
		// The runtime this reply was meant for is gone. Leave the entry to
		// its timer.
		r.mu.Unlock()
		metrics.MessagesRouted.WithLabelValues(env.Type, "dropped").Inc()
		logging.Info(ctx, "Dropping reply for stale runtime",
			zap.String("room", r.ID), zap.String("requestId", env.RequestID),
			zap.String("runtimeId", p.runtimeID))
		return
	}

	r.removePendingLocked(env.RequestID)
	target := r.runtime
	r.mu.Unlock()

	target.Send(env)
	metrics.MessagesRouted.WithLabelValues(env.Type, "delivered").Inc()
}

// handleGetProdUI forwards a prod's UI request to the current runtime.
func (r *Room) handleGetProdUI(ctx context.Context, sender *Conn, env *protocol.Envelope) {
	if !r.requireRole(sender, env, protocol.RoleProd) {
		return
	}

	r.mu.Lock()
	target := r.runtime
	if target != nil && !target.IsOpen() {
		target = nil
	}
	r.mu.Unlock()

	if target == nil {
		metrics.MessagesRouted.WithLabelValues(env.Type, "rejected").Inc()
		sender.Send(protocol.NewError(r.ID, env.RequestID, "no runtime connected"))
		return
	}

	fwd := env.Clone()
	if err := fwd.Set("prodId", sender.ID); err != nil {
		logging.Error(ctx, "Failed to annotate prod request", zap.String("room", r.ID), zap.Error(err))
		return
	}
	target.Send(fwd)
	metrics.MessagesRouted.WithLabelValues(env.Type, "forwarded").Inc()
}

// handleProdUIResponse routes the runtime's answer back to the prod named
// in the envelope. A prod that disconnected in the meantime is dropped
// silently.
func (r *Room) handleProdUIResponse(ctx context.Context, sender *Conn, env *protocol.Envelope) {
	if !r.requireRole(sender, env, protocol.RoleRuntime) {
		return
	}

	r.mu.Lock()
	target := r.prods[env.ProdID]
	if target != nil && !target.IsOpen() {
		delete(r.prods, env.ProdID)
		metrics.RoomConnections.WithLabelValues(r.ID, string(protocol.RoleProd)).Dec()
		target = nil
	}
	r.mu.Unlock()

	if target == nil {
		metrics.MessagesRouted.WithLabelValues(env.Type, "dropped").Inc()
		logging.Info(ctx, "Dropping prod_ui_response for disconnected prod",
			zap.String("room", r.ID), zap.String("prodId", env.ProdID))
		return
	}

	target.Send(env)
	metrics.MessagesRouted.WithLabelValues(env.Type, "delivered").Inc()
}

// agentStatus is one entry in an agent_status_response.
type agentStatus struct {
	ID          string `json:"id"`
	ConnectedAt int64  `json:"connectedAt"`
	ProjectID   string `json:"projectId"`
}

// handleCheckAgents answers synchronously with the open agents.
func (r *Room) handleCheckAgents(sender *Conn, env *protocol.Envelope) {
	r.mu.Lock()
	agents := make([]agentStatus, 0, len(r.agents))
	for id, a := range r.agents {
		if !a.IsOpen() {
			delete(r.agents, id)
			metrics.RoomConnections.WithLabelValues(r.ID, string(protocol.RoleAgent)).Dec()
			continue
		}
		agents = append(agents, agentStatus{ID: a.ID, ConnectedAt: a.ConnectedAt, ProjectID: r.ID})
	}
	r.mu.Unlock()

	reply := protocol.New(protocol.TypeAgentStatusResponse)
	_ = reply.Set("projectId", r.ID)
	_ = reply.Set("agents", agents)
	_ = reply.Set("count", len(agents))
	if env.RequestID != "" {
		_ = reply.Set("requestId", env.RequestID)
	}

	sender.Send(reply)
	metrics.MessagesRouted.WithLabelValues(env.Type, "replied").Inc()
}

// handlePing answers the sender only; pings never fan out to peers.
func (r *Room) handlePing(sender *Conn) {
	reply := protocol.New(protocol.TypePong)
	_ = reply.Set("projectId", r.ID)
	sender.Send(reply)
	metrics.MessagesRouted.WithLabelValues(protocol.TypePing, "replied").Inc()
}
