package memory

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vardhanngg/vibron/backend/model"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6

	// If this many random codes in a row collide, the code space is
	// effectively exhausted and the deployment is misconfigured.
	maxCodeAttempts = 100
)

var (
	ErrSessionNotFound    = errors.New("session is not found")
	ErrNotHost            = errors.New("sender is not the session host")
	ErrNoSuchParticipant  = errors.New("participant is not in the session")
	ErrCodeSpaceExhausted = errors.New("session code space is exhausted")
	ErrUnknownAction      = errors.New("unknown playback action")
	ErrNoSong             = errors.New("playback command carries no song")
)

// Departure describes the outcome of removing one participant.
type Departure struct {
	Left      model.Participant
	NewHost   *model.Participant
	Ended     bool
	Remaining []model.Participant
}

type session struct {
	mx      sync.Mutex
	data    *model.Session
	joinSeq uint64
	ended   bool
}

// MemStore holds all live sessions. The registry mutex guards only map
// membership; each session's own mutex serializes roster, host and
// playback-state mutation, so operations on different sessions do not
// contend.
type MemStore struct {
	mx *sync.RWMutex
	db map[string]*session
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.RWMutex{},
		db: make(map[string]*session),
	}
}

// NormalizeCode maps user input onto the canonical code form. Codes are
// case-insensitive on input and stored uppercase.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (ms *MemStore) CreateSession(hostID, hostName string) (*model.Session, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	code, err := ms.newCode()
	if err != nil {
		return nil, err
	}

	host := &model.Participant{
		ID:     hostID,
		Name:   displayName(hostName, hostID),
		IsHost: true,
	}
	s := &session{
		data: &model.Session{
			Code:         code,
			HostID:       hostID,
			Participants: map[string]*model.Participant{hostID: host},
		},
		joinSeq: 1,
	}
	ms.db[code] = s
	return snapshot(s.data), nil
}

// newCode must be called with the registry lock held.
func (ms *MemStore) newCode() (string, error) {
	buf := make([]byte, codeLength)
	for i := 0; i < maxCodeAttempts; i++ {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for j, b := range buf {
			buf[j] = codeAlphabet[int(b)%len(codeAlphabet)]
		}
		code := string(buf)
		if _, ok := ms.db[code]; !ok {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func (ms *MemStore) JoinSession(code, id, name string) (*model.Session, *model.Participant, error) {
	s, err := ms.get(code)
	if err != nil {
		return nil, nil, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ended {
		return nil, nil, ErrSessionNotFound
	}

	s.joinSeq++
	p := &model.Participant{
		ID:       id,
		Name:     displayName(name, id),
		JoinedAt: s.joinSeq,
	}
	s.data.Participants[id] = p
	return snapshot(s.data), &model.Participant{ID: p.ID, Name: p.Name}, nil
}

func (ms *MemStore) LeaveSession(code, id string) (Departure, error) {
	s, err := ms.get(code)
	if err != nil {
		return Departure{}, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ended {
		return Departure{}, ErrSessionNotFound
	}

	p, ok := s.data.Participants[id]
	if !ok {
		return Departure{}, ErrNoSuchParticipant
	}
	delete(s.data.Participants, id)

	dep := Departure{Left: *p}
	if len(s.data.Participants) == 0 {
		ms.drop(s)
		dep.Ended = true
		return dep, nil
	}

	if p.IsHost {
		succ := successor(s.data.Participants)
		succ.IsHost = true
		s.data.HostID = succ.ID
		dep.NewHost = &model.Participant{ID: succ.ID, Name: succ.Name, IsHost: true}
	}
	dep.Remaining = roster(s.data.Participants)
	return dep, nil
}

// EndSession tears the session down on the host's request and returns
// the roster that should be notified.
func (ms *MemStore) EndSession(code, requesterID string) ([]model.Participant, error) {
	s, err := ms.get(code)
	if err != nil {
		return nil, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ended {
		return nil, ErrSessionNotFound
	}
	if s.data.HostID != requesterID {
		return nil, ErrNotHost
	}

	members := roster(s.data.Participants)
	ms.drop(s)
	return members, nil
}

func (ms *MemStore) TransferHost(code, requesterID, targetID string) (*model.Participant, error) {
	s, err := ms.get(code)
	if err != nil {
		return nil, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ended {
		return nil, ErrSessionNotFound
	}
	if s.data.HostID != requesterID {
		return nil, ErrNotHost
	}
	target, ok := s.data.Participants[targetID]
	if !ok {
		return nil, ErrNoSuchParticipant
	}
	if cur, ok := s.data.Participants[requesterID]; ok {
		cur.IsHost = false
	}
	target.IsHost = true
	s.data.HostID = targetID
	return &model.Participant{ID: target.ID, Name: target.Name, IsHost: true}, nil
}

// ApplyCommand folds a discrete host command into the last snapshot and
// returns the resulting state. The read-modify-write runs under the
// session lock so racing commands cannot interleave partial states.
func (ms *MemStore) ApplyCommand(code, senderID string, cmd model.PlaybackCommand) (model.PlaybackState, error) {
	s, err := ms.get(code)
	if err != nil {
		return model.PlaybackState{}, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ended {
		return model.PlaybackState{}, ErrSessionNotFound
	}
	if s.data.HostID != senderID {
		return model.PlaybackState{}, ErrNotHost
	}

	var st model.PlaybackState
	if s.data.LastState != nil {
		st = *s.data.LastState
	}
	switch cmd.Action {
	case model.ActionPlaySong, model.ActionNext, model.ActionPrevious:
		if cmd.Song == nil {
			return model.PlaybackState{}, ErrNoSong
		}
		st.Song = cmd.Song
		st.CurrentTime = 0
		st.IsPlaying = true
	case model.ActionPlay:
		st.IsPlaying = true
	case model.ActionPause:
		st.IsPlaying = false
	case model.ActionSeek:
		st.CurrentTime = cmd.Time
	default:
		return model.PlaybackState{}, ErrUnknownAction
	}
	s.data.LastState = &st
	return st, nil
}

// UpdatePlayback replaces the session's last known state wholesale.
// Only the current host may publish.
func (ms *MemStore) UpdatePlayback(code, senderID string, state model.PlaybackState) error {
	s, err := ms.get(code)
	if err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ended {
		return ErrSessionNotFound
	}
	if s.data.HostID != senderID {
		return ErrNotHost
	}
	st := state
	s.data.LastState = &st
	return nil
}

func (ms *MemStore) State(code string) (*model.PlaybackState, error) {
	s, err := ms.get(code)
	if err != nil {
		return nil, err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ended {
		return nil, ErrSessionNotFound
	}
	return s.data.LastState, nil
}

func (ms *MemStore) GetSession(code string) (*model.Session, error) {
	s, err := ms.get(code)
	if err != nil {
		return nil, err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ended {
		return nil, ErrSessionNotFound
	}
	return snapshot(s.data), nil
}

func (ms *MemStore) get(code string) (*session, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	s, ok := ms.db[NormalizeCode(code)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// drop must be called with the session mutex held. Map removal takes
// the registry lock; the ended flag closes the window where a joiner
// already holds the pointer.
func (ms *MemStore) drop(s *session) {
	s.ended = true
	ms.mx.Lock()
	delete(ms.db, s.data.Code)
	ms.mx.Unlock()
}

func successor(participants map[string]*model.Participant) *model.Participant {
	var succ *model.Participant
	for _, p := range participants {
		if succ == nil || p.JoinedAt < succ.JoinedAt {
			succ = p
		}
	}
	return succ
}

func roster(participants map[string]*model.Participant) []model.Participant {
	out := make([]model.Participant, 0, len(participants))
	for _, p := range participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt < out[j].JoinedAt })
	return out
}

func snapshot(s *model.Session) *model.Session {
	out := &model.Session{
		Code:         s.Code,
		HostID:       s.HostID,
		Participants: make(map[string]*model.Participant, len(s.Participants)),
		LastState:    s.LastState,
	}
	for id, p := range s.Participants {
		cp := *p
		out.Participants[id] = &cp
	}
	return out
}

func displayName(name, id string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return name
	}
	short := id
	if len(short) > 4 {
		short = short[:4]
	}
	return "Guest-" + short
}
