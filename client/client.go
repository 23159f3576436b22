// Package client provides SessionClient, the single object a player UI
// holds for one relay connection. All session state a client needs
// (code, own id, host status) lives on the client instance; there are
// no package-level globals.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vardhanngg/vibron/backend/model"
)

const (
	defaultWriteDeadline = 5 * time.Second
	defaultSyncInterval  = 2 * time.Second
	defaultEventsBuffer  = 64
)

var (
	ErrClosed = errors.New("client is closed")
)

type SessionClient struct {
	conn        *websocket.Conn
	logger      zerolog.Logger
	displayName string

	events chan model.Envelope
	done   chan struct{}
	once   sync.Once

	wmx sync.Mutex // serializes writes to the socket

	mx     sync.Mutex
	selfID string
	code   string
	isHost bool

	syncInterval time.Duration
}

type Config struct {
	URL          string
	DisplayName  string
	Logger       *zerolog.Logger
	SyncInterval time.Duration
}

// Dial connects to the relay and starts the read loop. The returned
// client delivers every relay envelope on Events.
func Dial(ctx context.Context, cfg Config) (*SessionClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	c := &SessionClient{
		conn:         conn,
		logger:       cfg.Logger.With().Str("component", "session-client").Logger(),
		displayName:  cfg.DisplayName,
		events:       make(chan model.Envelope, defaultEventsBuffer),
		done:         make(chan struct{}),
		syncInterval: interval,
	}
	go c.readLoop()
	return c, nil
}

// Events delivers everything the relay sends, in arrival order. The
// channel closes when the connection dies or Close is called.
func (c *SessionClient) Events() <-chan model.Envelope {
	return c.events
}

func (c *SessionClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmx.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmx.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *SessionClient) SelfID() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.selfID
}

func (c *SessionClient) Code() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.code
}

func (c *SessionClient) IsHost() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.isHost
}

// Create asks the relay for a new session with this client as host.
// The session-created ack arrives on Events.
func (c *SessionClient) Create() error {
	return c.send(model.NewEnvelope(model.TypeCreateSession,
		model.CreateRequest{DisplayName: c.displayName}))
}

func (c *SessionClient) Join(code string) error {
	return c.send(model.NewEnvelope(model.TypeJoinSession,
		model.JoinRequest{Code: code, DisplayName: c.displayName}))
}

func (c *SessionClient) Leave() error {
	c.mx.Lock()
	code := c.code
	c.code = ""
	c.isHost = false
	c.mx.Unlock()
	return c.send(model.NewEnvelope(model.TypeLeaveSession,
		model.LeaveRequest{Code: code}))
}

// EndSession tears the whole session down. Host only.
func (c *SessionClient) EndSession() error {
	return c.send(model.NewEnvelope(model.TypeEndSession, nil))
}

func (c *SessionClient) TransferHost(targetID string) error {
	return c.send(model.NewEnvelope(model.TypeTransferHost,
		model.TransferRequest{TargetID: targetID}))
}

func (c *SessionClient) Chat(text string) error {
	return c.send(model.NewEnvelope(model.TypeChatMessage,
		model.ChatRequest{Text: text}))
}

func (c *SessionClient) RequestState() error {
	return c.send(model.NewEnvelope(model.TypeRequestState, nil))
}

func (c *SessionClient) PlaySong(song model.Song) error {
	return c.command(model.PlaybackCommand{Action: model.ActionPlaySong, Song: &song})
}

func (c *SessionClient) Play() error {
	return c.command(model.PlaybackCommand{Action: model.ActionPlay})
}

func (c *SessionClient) Pause() error {
	return c.command(model.PlaybackCommand{Action: model.ActionPause})
}

func (c *SessionClient) Seek(t float64) error {
	return c.command(model.PlaybackCommand{Action: model.ActionSeek, Time: t})
}

// Next and Previous carry the song because the queue lives in the
// player, not in the relay.
func (c *SessionClient) Next(song model.Song) error {
	return c.command(model.PlaybackCommand{Action: model.ActionNext, Song: &song})
}

func (c *SessionClient) Previous(song model.Song) error {
	return c.command(model.PlaybackCommand{Action: model.ActionPrevious, Song: &song})
}

func (c *SessionClient) command(cmd model.PlaybackCommand) error {
	return c.send(model.NewEnvelope(model.TypePlaybackControl, cmd))
}

// PublishState pushes one full snapshot immediately, outside the
// periodic cycle. Hosts call this when the local player changes in a
// way no discrete command describes.
func (c *SessionClient) PublishState(state model.PlaybackState) error {
	return c.send(model.NewEnvelope(model.TypeSyncState, state))
}

// StartSync publishes stateFn's snapshot on a fixed interval while this
// client is host, bounding participant drift to one interval. It
// returns when ctx is canceled or the client closes.
func (c *SessionClient) StartSync(ctx context.Context, stateFn func() model.PlaybackState) {
	go func() {
		ticker := time.NewTicker(c.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				if !c.IsHost() {
					continue
				}
				if err := c.send(model.NewEnvelope(model.TypeSyncState, stateFn())); err != nil {
					c.logger.Error().Err(err).Msg("periodic sync failed")
					return
				}
			}
		}
	}()
}

func (c *SessionClient) send(env model.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

func (c *SessionClient) readLoop() {
	defer close(c.events)
	for {
		var env model.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("connection lost")
				_ = c.Close()
			}
			return
		}
		c.track(env)
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

// track keeps code / self id / host status current from the relay's
// own announcements.
func (c *SessionClient) track(env model.Envelope) {
	switch env.Type {
	case model.TypeSessionCreated:
		var p model.SessionCreated
		if env.Decode(&p) == nil {
			c.mx.Lock()
			c.code = p.Code
			c.selfID = p.SelfID
			c.isHost = true
			c.mx.Unlock()
		}
	case model.TypeSessionJoined:
		var p model.SessionJoined
		if env.Decode(&p) == nil {
			c.mx.Lock()
			c.code = p.Code
			c.selfID = p.SelfID
			c.isHost = p.IsHost
			c.mx.Unlock()
		}
	case model.TypeHostTransferred:
		var p model.HostTransferred
		if env.Decode(&p) == nil {
			c.mx.Lock()
			c.isHost = p.NewHostID == c.selfID
			c.mx.Unlock()
		}
	case model.TypeSessionEnded:
		c.mx.Lock()
		c.code = ""
		c.isHost = false
		c.mx.Unlock()
	}
}
