// Package service implements the session protocol: room lifecycle,
// single-host playback authority, presence announcements and chat
// fan-out. It consumes the envelopes a connection's receiver pushes
// onto its wire and decides who hears what.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/vardhanngg/vibron/backend/model"
	"github.com/vardhanngg/vibron/backend/storage/memory"
)

const (
	defaultReplyTimeout = time.Second

	endedReasonHost  = "host ended the session"
	endedReasonEmpty = "session is empty"
)

type (
	SessionStore interface {
		CreateSession(hostID, hostName string) (*model.Session, error)
		JoinSession(code, id, name string) (*model.Session, *model.Participant, error)
		LeaveSession(code, id string) (memory.Departure, error)
		EndSession(code, requesterID string) ([]model.Participant, error)
		TransferHost(code, requesterID, targetID string) (*model.Participant, error)
		ApplyCommand(code, senderID string, cmd model.PlaybackCommand) (model.PlaybackState, error)
		UpdatePlayback(code, senderID string, state model.PlaybackState) error
		State(code string) (*model.PlaybackState, error)
	}

	Switch interface {
		Connect(ctx context.Context, code, endpoint string, wire model.Wire) error
		Disconnect(code, endpoint string) error
		Broadcast(ctx context.Context, env model.Envelope, code string) error
		BroadcastAll(ctx context.Context, env model.Envelope, code string) error
	}

	Service struct {
		store  SessionStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		SessionStore SessionStore
		Switch       Switch
		Logger       *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.SessionStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "session-service").Logger(),
	}
}

// conn is the dispatch loop's view of one connection. Session
// membership lives here, not in shared state: the loop is the only
// writer, so no lock is needed.
type conn struct {
	id   string
	name string
	code string
	wire model.Wire
}

// Serve runs the dispatch loop for one connection. It returns when the
// context is canceled or the wire's receive side closes; either way the
// connection is treated as an implicit leave.
func (svc *Service) Serve(ctx context.Context, userID string, wire model.Wire) {
	c := &conn{id: userID, wire: wire}

dispatchLoop:
	for {
		select {
		case <-ctx.Done():
			break dispatchLoop
		case env, ok := <-wire.RX:
			if !ok {
				break dispatchLoop
			}
			svc.dispatch(ctx, c, env)
		}
	}

	if c.code != "" {
		svc.leave(context.Background(), c)
	}
	svc.logger.Debug().Str("userID", userID).Msg("dispatch loop finished")
}

func (svc *Service) dispatch(ctx context.Context, c *conn, env model.Envelope) {
	svc.clearIfGone(c)

	switch env.Type {
	case model.TypeCreateSession:
		svc.handleCreate(ctx, c, env)
	case model.TypeJoinSession:
		svc.handleJoin(ctx, c, env)
	case model.TypeLeaveSession:
		if c.code == "" {
			svc.replyError(ctx, c, model.ErrCodeBadRequest, "not in a session")
			return
		}
		svc.leave(ctx, c)
	case model.TypeEndSession:
		svc.handleEnd(ctx, c)
	case model.TypePlaybackControl:
		svc.handleCommand(ctx, c, env)
	case model.TypeSyncState:
		svc.handleSync(ctx, c, env)
	case model.TypeRequestState:
		svc.handleStateRequest(ctx, c)
	case model.TypeTransferHost:
		svc.handleTransfer(ctx, c, env)
	case model.TypeChatMessage:
		svc.handleChat(ctx, c, env)
	default:
		svc.logger.Debug().
			Str("userID", c.id).
			Str("type", env.Type).
			Msg("unknown message type")
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "unknown message type")
	}
}

// clearIfGone drops stale session membership. When the host ends a
// session the room is torn down in the store while every other member's
// dispatch loop still holds the old code; the next message from such a
// loop must behave as if the connection were in no session at all.
func (svc *Service) clearIfGone(c *conn) {
	if c.code == "" {
		return
	}
	if _, err := svc.store.State(c.code); errors.Is(err, memory.ErrSessionNotFound) {
		svc.logger.Debug().
			Str("userID", c.id).
			Str("code", c.code).
			Msg("session is gone, dropping membership")
		c.code = ""
	}
}

func (svc *Service) handleCreate(ctx context.Context, c *conn, env model.Envelope) {
	if c.code != "" {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "already in a session")
		return
	}
	var req model.CreateRequest
	if err := env.Decode(&req); err != nil {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "malformed create request")
		return
	}

	sess, err := svc.store.CreateSession(c.id, req.DisplayName)
	if err != nil {
		svc.logger.Error().Err(err).Str("userID", c.id).Msg("session create failed")
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "could not create session")
		return
	}
	c.code = sess.Code
	c.name = sess.Participants[c.id].Name
	_ = svc.sw.Connect(ctx, c.code, c.id, c.wire)

	svc.logger.Debug().
		Str("userID", c.id).
		Str("code", c.code).
		Msg("session created")
	svc.reply(ctx, c, model.NewEnvelope(model.TypeSessionCreated, model.SessionCreated{Code: c.code, SelfID: c.id}))
}

func (svc *Service) handleJoin(ctx context.Context, c *conn, env model.Envelope) {
	if c.code != "" {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "already in a session")
		return
	}
	var req model.JoinRequest
	if err := env.Decode(&req); err != nil {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "malformed join request")
		return
	}

	sess, joined, err := svc.store.JoinSession(req.Code, c.id, req.DisplayName)
	if err != nil {
		svc.replyStoreError(ctx, c, err)
		return
	}
	c.code = sess.Code
	c.name = joined.Name
	_ = svc.sw.Connect(ctx, c.code, c.id, c.wire)

	svc.logger.Debug().
		Str("userID", c.id).
		Str("code", c.code).
		Msg("user joined session")

	svc.reply(ctx, c, model.NewEnvelope(model.TypeSessionJoined,
		model.SessionJoined{Code: c.code, IsHost: false, SelfID: c.id}))

	annJoin := model.NewEnvelope(model.TypeUserJoined,
		model.UserJoined{ID: c.id, Name: c.name, IsHost: false})
	annJoin.SRC = c.id
	_ = svc.sw.Broadcast(ctx, annJoin, c.code)

	// Reconciliation: the joiner gets the current snapshot right away
	// instead of waiting for the host's next periodic tick.
	if sess.LastState != nil {
		svc.reply(ctx, c, model.NewEnvelope(model.TypeProvideState,
			model.ProvideState{State: sess.LastState}))
	}
}

func (svc *Service) leave(ctx context.Context, c *conn) {
	code := c.code
	c.code = ""

	_ = svc.sw.Disconnect(code, c.id)
	dep, err := svc.store.LeaveSession(code, c.id)
	if err != nil {
		// The session may already be gone (host ended it, or the last
		// member raced us). Nothing to announce.
		svc.logger.Debug().Err(err).Str("userID", c.id).Str("code", code).Msg("leave after teardown")
		return
	}

	if dep.Ended {
		// Last one out. Anyone who raced the teardown still hears it.
		_ = svc.sw.BroadcastAll(ctx, model.NewEnvelope(model.TypeSessionEnded,
			model.SessionEnded{Reason: endedReasonEmpty}), code)
		svc.logger.Debug().Str("code", code).Msg("session destroyed")
		return
	}

	_ = svc.sw.BroadcastAll(ctx, model.NewEnvelope(model.TypeUserLeft,
		model.UserLeft{ID: dep.Left.ID, Name: dep.Left.Name}), code)
	if dep.NewHost != nil {
		_ = svc.sw.BroadcastAll(ctx, model.NewEnvelope(model.TypeHostTransferred,
			model.HostTransferred{NewHostID: dep.NewHost.ID, NewHostName: dep.NewHost.Name}), code)
		svc.logger.Debug().
			Str("code", code).
			Str("newHostID", dep.NewHost.ID).
			Msg("host left, authority transferred")
	}
}

func (svc *Service) handleEnd(ctx context.Context, c *conn) {
	if c.code == "" {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "not in a session")
		return
	}
	members, err := svc.store.EndSession(c.code, c.id)
	if err != nil {
		svc.replyStoreError(ctx, c, err)
		return
	}

	code := c.code
	c.code = ""
	_ = svc.sw.BroadcastAll(ctx, model.NewEnvelope(model.TypeSessionEnded,
		model.SessionEnded{Reason: endedReasonHost}), code)
	for _, m := range members {
		_ = svc.sw.Disconnect(code, m.ID)
	}
	svc.logger.Debug().Str("code", code).Str("userID", c.id).Msg("session ended by host")
}

func (svc *Service) handleCommand(ctx context.Context, c *conn, env model.Envelope) {
	if c.code == "" {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "not in a session")
		return
	}
	var cmd model.PlaybackCommand
	if err := env.Decode(&cmd); err != nil {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "malformed playback command")
		return
	}

	state, err := svc.store.ApplyCommand(c.code, c.id, cmd)
	if err != nil {
		svc.replyStoreError(ctx, c, err)
		return
	}

	echo := model.NewEnvelope(model.TypePlaybackControl, cmd)
	echo.SRC = c.id
	_ = svc.sw.Broadcast(ctx, echo, c.code)

	snap := model.NewEnvelope(model.TypeSyncState, state)
	snap.SRC = c.id
	_ = svc.sw.Broadcast(ctx, snap, c.code)
}

func (svc *Service) handleSync(ctx context.Context, c *conn, env model.Envelope) {
	if c.code == "" {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "not in a session")
		return
	}
	var state model.PlaybackState
	if err := env.Decode(&state); err != nil {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "malformed state snapshot")
		return
	}

	if err := svc.store.UpdatePlayback(c.code, c.id, state); err != nil {
		svc.replyStoreError(ctx, c, err)
		return
	}

	snap := model.NewEnvelope(model.TypeSyncState, state)
	snap.SRC = c.id
	_ = svc.sw.Broadcast(ctx, snap, c.code)
}

func (svc *Service) handleStateRequest(ctx context.Context, c *conn) {
	if c.code == "" {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "not in a session")
		return
	}
	state, err := svc.store.State(c.code)
	if err != nil {
		svc.replyStoreError(ctx, c, err)
		return
	}
	svc.reply(ctx, c, model.NewEnvelope(model.TypeProvideState, model.ProvideState{State: state}))
}

func (svc *Service) handleTransfer(ctx context.Context, c *conn, env model.Envelope) {
	if c.code == "" {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "not in a session")
		return
	}
	var req model.TransferRequest
	if err := env.Decode(&req); err != nil {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "malformed transfer request")
		return
	}

	newHost, err := svc.store.TransferHost(c.code, c.id, req.TargetID)
	if err != nil {
		svc.replyStoreError(ctx, c, err)
		return
	}
	_ = svc.sw.BroadcastAll(ctx, model.NewEnvelope(model.TypeHostTransferred,
		model.HostTransferred{NewHostID: newHost.ID, NewHostName: newHost.Name}), c.code)
	svc.logger.Debug().
		Str("code", c.code).
		Str("from", c.id).
		Str("to", newHost.ID).
		Msg("host transferred")
}

func (svc *Service) handleChat(ctx context.Context, c *conn, env model.Envelope) {
	if c.code == "" {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "not in a session")
		return
	}
	var req model.ChatRequest
	if err := env.Decode(&req); err != nil {
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "malformed chat message")
		return
	}

	msg := model.ChatMessage{
		Sender:    c.name,
		Text:      req.Text,
		Timestamp: time.Now().UnixMilli(),
	}
	out := model.NewEnvelope(model.TypeChatMessage, msg)
	out.SRC = c.id
	_ = svc.sw.BroadcastAll(ctx, out, c.code)
}

func (svc *Service) replyStoreError(ctx context.Context, c *conn, err error) {
	switch {
	case errors.Is(err, memory.ErrSessionNotFound):
		svc.replyError(ctx, c, model.ErrCodeNotFound, "session not found")
	case errors.Is(err, memory.ErrNoSuchParticipant):
		svc.replyError(ctx, c, model.ErrCodeNotFound, "participant not found")
	case errors.Is(err, memory.ErrNotHost):
		svc.replyError(ctx, c, model.ErrCodeForbidden, "only the host may do that")
	case errors.Is(err, memory.ErrUnknownAction):
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "unknown playback action")
	case errors.Is(err, memory.ErrNoSong):
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "playback command carries no song")
	default:
		svc.logger.Error().Err(err).Str("userID", c.id).Msg("store operation failed")
		svc.replyError(ctx, c, model.ErrCodeBadRequest, "request failed")
	}
}

func (svc *Service) replyError(ctx context.Context, c *conn, code, message string) {
	svc.reply(ctx, c, model.NewEnvelope(model.TypeError, model.ErrorReply{Code: code, Message: message}))
}

// reply delivers an envelope to the connection that issued the current
// request, bypassing the switch. Create and join failures happen before
// the connection is attached to any session, so this is the only path
// that always works.
func (svc *Service) reply(ctx context.Context, c *conn, env model.Envelope) {
	env.DST = c.id
	tCh := time.NewTimer(defaultReplyTimeout)
	select {
	case <-ctx.Done():
	case <-tCh.C:
		svc.logger.Error().Str("userID", c.id).Str("type", env.Type).Msg("reply timed out")
	case c.wire.TX <- env:
	}
	tCh.Stop()
}
