package models

import (
	"encoding/json"
	"strconv"
)

/*
	Envelopes exchanged with the middleware over the single websocket
	connection. Every frame carries a "msg" kind; requests and results are
	correlated by "id", push events are keyed by "collection".
*/

type MessageKind string

const (
	MsgConnect   MessageKind = "connect"
	MsgConnected MessageKind = "connected"
	MsgFailed    MessageKind = "failed"
	MsgMethod    MessageKind = "method"
	MsgResult    MessageKind = "result"
	MsgError     MessageKind = "error"
	MsgSub       MessageKind = "sub"
	MsgUnsub     MessageKind = "unsub"
	MsgNoSub     MessageKind = "nosub"
	MsgReady     MessageKind = "ready"
	MsgAdded     MessageKind = "added"
	MsgChanged   MessageKind = "changed"
	MsgRemoved   MessageKind = "removed"
	MsgPing      MessageKind = "ping"
	MsgPong      MessageKind = "pong"
)

const ProtocolVersion = "1"

// IsEvent reports whether frames of this kind are collection push events.
func (k MessageKind) IsEvent() bool {
	return k == MsgAdded || k == MsgChanged || k == MsgRemoved
}

type ConnectRequest struct {
	Msg     MessageKind `json:"msg"`
	Version string      `json:"version"`
	Support []string    `json:"support"`
}

func NewConnectRequest() ConnectRequest {
	return ConnectRequest{
		Msg:     MsgConnect,
		Version: ProtocolVersion,
		Support: []string{ProtocolVersion},
	}
}

// Request is an outbound method call.
type Request struct {
	ID     string      `json:"id"`
	Msg    MessageKind `json:"msg"`
	Method string      `json:"method"`
	Params []any       `json:"params"`
}

func NewRequest(id, method string, params []any) Request {
	if params == nil {
		params = []any{}
	}
	return Request{
		ID:     id,
		Msg:    MsgMethod,
		Method: method,
		Params: params,
	}
}

type SubRequest struct {
	ID   string      `json:"id"`
	Msg  MessageKind `json:"msg"`
	Name string      `json:"name,omitempty"`
}

type PingRequest struct {
	ID  string      `json:"id"`
	Msg MessageKind `json:"msg"`
}

// Incoming is the union of every frame the server may send. Only the
// fields relevant to Msg are populated.
type Incoming struct {
	Msg        MessageKind     `json:"msg"`
	ID         json.RawMessage `json:"id,omitempty"`
	Session    string          `json:"session,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ApiError       `json:"error,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// RequestID returns the correlation id of a result frame.
func (in *Incoming) RequestID() string {
	if len(in.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(in.ID, &s); err == nil {
		return s
	}
	return string(in.ID)
}

// Event builds the push notification carried by an added/changed/removed frame.
func (in *Incoming) Event() Event {
	return Event{
		Msg:        in.Msg,
		Collection: in.Collection,
		ID:         in.ID,
		Fields:     in.Fields,
	}
}

// Event is a server-pushed notification for one topic (collection).
type Event struct {
	Msg        MessageKind     `json:"msg"`
	Collection string          `json:"collection"`
	ID         json.RawMessage `json:"id,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// NewEvent encodes fields and returns a "changed" event for the topic.
func NewEvent(topic string, fields any) (Event, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Msg:        MsgChanged,
		Collection: topic,
		Fields:     raw,
	}, nil
}

// NewJobEvent is the job-progress event a job update produces on the wire.
func NewJobEvent(job Job) (Event, error) {
	ev, err := NewEvent(JobsTopic, job)
	if err != nil {
		return Event{}, err
	}
	ev.ID = json.RawMessage(strconv.FormatInt(job.ID, 10))
	return ev, nil
}

// JobID extracts the job identifier of a job-progress event. The identifier
// inside fields wins over the envelope id.
func (e Event) JobID() (int64, bool) {
	if len(e.Fields) > 0 {
		var probe struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(e.Fields, &probe); err == nil && probe.ID != nil {
			return *probe.ID, true
		}
	}
	if len(e.ID) > 0 {
		if id, err := strconv.ParseInt(string(e.ID), 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

// Decode unmarshals the event fields into target.
func (e Event) Decode(target any) error {
	if len(e.Fields) == 0 {
		return nil
	}
	return json.Unmarshal(e.Fields, target)
}
