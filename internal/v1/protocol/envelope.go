// Package protocol implements the JSON wire envelope exchanged on every
// WebSocket frame. An envelope always carries "type" and "timestamp";
// request/response kinds additionally carry "requestId". Unknown fields are
// preserved verbatim so the routing engine can forward application payloads
// it does not understand.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ValidProjectID constrains tenant identifiers everywhere they enter the
// system: upgrade queries, credential routes, usage lookups.
var ValidProjectID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Reserved message type values.
const (
	TypeConnected           = "connected"
	TypeGraphQLQuery        = "graphql_query"
	TypeQueryResponse       = "query_response"
	TypeGetDocs             = "get_docs"
	TypeDocs                = "docs"
	TypeGetProdUI           = "get_prod_ui"
	TypeProdUIResponse      = "prod_ui_response"
	TypeCheckAgents         = "check_agents"
	TypeAgentStatusResponse = "agent_status_response"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeError               = "error"
	TypeHistoricalLogs      = "historical_logs"
)

// Role is the connection role a client declares at upgrade time.
type Role string

const (
	RoleRuntime Role = "runtime"
	RoleAgent   Role = "agent"
	RoleProd    Role = "prod"
	RoleAdmin   Role = "admin"
)

// Roles lists the accepted connection roles in a stable order.
var Roles = []Role{RoleRuntime, RoleAgent, RoleProd, RoleAdmin}

// ParseRole validates a role string from the upgrade query.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleRuntime, RoleAgent, RoleProd, RoleAdmin:
		return Role(s), true
	default:
		return "", false
	}
}

// RoleNames returns the accepted role strings, for error messages.
func RoleNames() []string {
	names := make([]string, len(Roles))
	for i, r := range Roles {
		names[i] = string(r)
	}
	return names
}

var (
	ErrNotObject   = errors.New("envelope: frame is not a JSON object")
	ErrMissingType = errors.New("envelope: missing required field 'type'")
	ErrBadField    = errors.New("envelope: field has wrong JSON type")
)

// Envelope is a typed view over the raw JSON object of one frame. The raw
// field map stays authoritative: Encode round-trips every field the sender
// supplied, plus any the router injected.
type Envelope struct {
	Type      string
	Timestamp int64
	RequestID string
	ProjectID string
	RuntimeID string
	ProdID    string
	Message   string

	fields map[string]json.RawMessage
}

// NowMillis returns the current wall clock in ms since epoch, the unit used
// by every envelope timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// New creates an outbound envelope of the given type stamped with the
// current time.
func New(msgType string) *Envelope {
	e := &Envelope{
		Type:   msgType,
		fields: make(map[string]json.RawMessage),
	}
	e.mustSet("type", msgType)
	e.SetTimestamp(NowMillis())
	return e
}

// Parse decodes one inbound frame. It fails on non-object frames and on a
// missing or non-string "type"; every other field is kept as raw JSON.
func Parse(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}

	e := &Envelope{fields: fields}

	var err error
	if e.Type, err = stringField(fields, "type"); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, ErrMissingType
	}

	if raw, ok := fields["timestamp"]; ok {
		var ts float64
		if err := json.Unmarshal(raw, &ts); err != nil {
			return nil, fmt.Errorf("%w: timestamp", ErrBadField)
		}
		e.Timestamp = int64(ts)
	}

	if e.RequestID, err = stringField(fields, "requestId"); err != nil {
		return nil, err
	}
	if e.ProjectID, err = stringField(fields, "projectId"); err != nil {
		return nil, err
	}
	if e.RuntimeID, err = stringField(fields, "runtimeId"); err != nil {
		return nil, err
	}
	if e.ProdID, err = stringField(fields, "prodId"); err != nil {
		return nil, err
	}
	if e.Message, err = stringField(fields, "message"); err != nil {
		return nil, err
	}

	return e, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s", ErrBadField, key)
	}
	return s, nil
}

// RequiresRequestID reports whether this message kind participates in
// request/response correlation.
func RequiresRequestID(msgType string) bool {
	switch msgType {
	case TypeGraphQLQuery, TypeQueryResponse, TypeGetDocs, TypeDocs:
		return true
	default:
		return false
	}
}

// Set writes a field into the envelope, updating the typed view for the
// fields the router reads back.
func (e *Envelope) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("envelope: marshal field %s: %w", key, err)
	}
	if e.fields == nil {
		e.fields = make(map[string]json.RawMessage)
	}
	e.fields[key] = raw

	if s, ok := value.(string); ok {
		switch key {
		case "type":
			e.Type = s
		case "requestId":
			e.RequestID = s
		case "projectId":
			e.ProjectID = s
		case "runtimeId":
			e.RuntimeID = s
		case "prodId":
			e.ProdID = s
		case "message":
			e.Message = s
		}
	}
	return nil
}

func (e *Envelope) mustSet(key string, value any) {
	// Only called with marshal-safe values (strings, ints, slices of structs).
	if err := e.Set(key, value); err != nil {
		panic(err)
	}
}

// SetTimestamp overwrites the envelope timestamp.
func (e *Envelope) SetTimestamp(ms int64) {
	e.Timestamp = ms
	e.mustSet("timestamp", ms)
}

// Get returns the raw JSON of a field, if present.
func (e *Envelope) Get(key string) (json.RawMessage, bool) {
	raw, ok := e.fields[key]
	return raw, ok
}

// Clone returns a deep-enough copy: the field map is copied, the raw values
// are shared (they are never mutated in place).
func (e *Envelope) Clone() *Envelope {
	dup := *e
	dup.fields = make(map[string]json.RawMessage, len(e.fields))
	for k, v := range e.fields {
		dup.fields[k] = v
	}
	return &dup
}

// Encode marshals the envelope back to one JSON frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e.fields)
}

// NewError builds an error envelope per the envelope rules: type, message,
// projectId, timestamp, and requestId when the failure relates to a
// correlated request.
func NewError(projectID, requestID, message string) *Envelope {
	e := New(TypeError)
	e.mustSet("message", message)
	if projectID != "" {
		e.mustSet("projectId", projectID)
	}
	if requestID != "" {
		e.mustSet("requestId", requestID)
	}
	return e
}
