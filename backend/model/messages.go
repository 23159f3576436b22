package model

import "encoding/json"

// Message types sent by clients.
const (
	TypeCreateSession   = "create-session"
	TypeJoinSession     = "join-session"
	TypeLeaveSession    = "leave-session"
	TypeEndSession      = "end-session"
	TypePlaybackControl = "playback-control"
	TypeSyncState       = "sync-state"
	TypeRequestState    = "request-state"
	TypeTransferHost    = "transfer-host"
	TypeChatMessage     = "chat-message"
)

// Message types sent by the relay.
const (
	TypeSessionCreated  = "session-created"
	TypeSessionJoined   = "session-joined"
	TypeSessionEnded    = "session-ended"
	TypeUserJoined      = "user-joined"
	TypeUserLeft        = "user-left"
	TypeProvideState    = "provide-state"
	TypeHostTransferred = "host-transferred"
	TypeError           = "error"
)

// Playback actions carried by playback-control.
const (
	ActionPlaySong = "play-song"
	ActionPlay     = "play"
	ActionPause    = "pause"
	ActionNext     = "next"
	ActionPrevious = "previous"
	ActionSeek     = "seek"
)

// Error codes carried by error replies.
const (
	ErrCodeNotFound   = "not-found"
	ErrCodeForbidden  = "forbidden"
	ErrCodeBadRequest = "bad-request"
)

// Envelope is the wire unit. SRC is re-assigned by the server from the
// websocket session; DST is set only for targeted delivery.
type Envelope struct {
	Type    string          `json:"type"`
	SRC     string          `json:"src,omitempty"`
	DST     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Payload types here are
// plain structs, so marshalling cannot fail in practice; a nil payload
// yields an empty body.
func NewEnvelope(typ string, payload any) Envelope {
	env := Envelope{Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			env.Payload = b
		}
	}
	return env
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

type CreateRequest struct {
	DisplayName string `json:"displayName"`
}

type JoinRequest struct {
	Code        string `json:"code"`
	DisplayName string `json:"displayName"`
}

type LeaveRequest struct {
	Code string `json:"code"`
}

type PlaybackCommand struct {
	Action string  `json:"action"`
	Song   *Song   `json:"song,omitempty"`
	Time   float64 `json:"time,omitempty"`
}

type TransferRequest struct {
	TargetID string `json:"targetId"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

type SessionCreated struct {
	Code string `json:"code"`
	// SelfID tells the connection its own relay-assigned identifier,
	// so it can recognize itself in host-transferred announcements.
	SelfID string `json:"selfId"`
}

type SessionJoined struct {
	Code   string `json:"code"`
	IsHost bool   `json:"isHost"`
	SelfID string `json:"selfId"`
}

type SessionEnded struct {
	Reason string `json:"reason"`
}

type UserJoined struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
}

type UserLeft struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ProvideState struct {
	State *PlaybackState `json:"state"`
}

type HostTransferred struct {
	NewHostID   string `json:"newHostId"`
	NewHostName string `json:"newHostName,omitempty"`
}

type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
