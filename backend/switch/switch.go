package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vardhanngg/vibron/backend/model"
)

const (
	defaultFwdTimout = time.Second
)

// Switch fans envelopes out to the members of a session. It knows
// nothing about session semantics; the service decides who hears what.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(code, endpoint string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("code", code).
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}()

	members, ok := sw.fwd[code]
	if ok {
		delete(members, endpoint)
		if len(members) == 0 {
			delete(sw.fwd, code)
		}
	}
	return nil
}

func (sw *Switch) Connect(ctx context.Context, code, endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("code", code).
			Str("endpoint", endpoint).
			Msg("endpoint connected")
	}()

	members, ok := sw.fwd[code]
	if !ok {
		members = make(map[string]model.Wire)
	}
	members[endpoint] = wire
	sw.fwd[code] = members
	return nil
}

// Broadcast delivers env to every member of the session except env.SRC.
// Playback snapshots use this: the host is the source and must not
// receive its own state back.
func (sw *Switch) Broadcast(ctx context.Context, env model.Envelope, code string) error {
	env.DST = ""
	if !sw.fanout(ctx, env, code, env.SRC) {
		sw.logger.Debug().
			Str("code", code).
			Str("type", env.Type).
			Str("src", env.SRC).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

// BroadcastAll delivers env to every member including the sender. Chat
// echo and authority changes go through here.
func (sw *Switch) BroadcastAll(ctx context.Context, env model.Envelope, code string) error {
	env.DST = ""
	if !sw.fanout(ctx, env, code, "") {
		sw.logger.Debug().
			Str("code", code).
			Str("type", env.Type).
			Str("src", env.SRC).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

func (sw *Switch) fanout(ctx context.Context, env model.Envelope, code, exclude string) bool {
	sw.mx.RLock()
	members := sw.fwd[code]
	wires := make(map[string]model.Wire, len(members))
	for dst, wire := range members {
		wires[dst] = wire
	}
	sw.mx.RUnlock()

	var sent bool
	for dst, wire := range wires {
		if dst == exclude {
			continue
		}
		envSent, canceled := send(ctx, env, wire.TX, &sw.logger)
		if canceled {
			break
		}
		if envSent {
			sent = true
		}
	}
	return sent
}

func send(ctx context.Context, env model.Envelope, tx chan<- model.Envelope, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", env.DST).Str("type", env.Type).Msg("dead endpoint")
	case tx <- env:
		logger.Trace().Str("dst", env.DST).Str("type", env.Type).Msg("envelope forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
