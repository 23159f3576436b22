package memory

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/vardhanngg/vibron/backend/model"
)

func mustCreate(t *testing.T, ms *MemStore, hostID, hostName string) *model.Session {
	t.Helper()
	sess, err := ms.CreateSession(hostID, hostName)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func assertOneHost(t *testing.T, ms *MemStore, code string) {
	t.Helper()
	sess, err := ms.GetSession(code)
	if err != nil {
		t.Fatalf("get session %s: %v", code, err)
	}
	hosts := 0
	for _, p := range sess.Participants {
		if p.IsHost {
			hosts++
			if p.ID != sess.HostID {
				t.Fatalf("host flag on %s but HostID is %s", p.ID, sess.HostID)
			}
		}
	}
	if hosts != 1 {
		t.Fatalf("expected exactly one host, got %d", hosts)
	}
}

func TestCreateSession(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")

	if len(sess.Code) != codeLength {
		t.Fatalf("expected %d-char code, got %q", codeLength, sess.Code)
	}
	for _, r := range sess.Code {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Fatalf("code %q contains %q outside alphabet", sess.Code, r)
		}
	}
	if sess.HostID != "host-1" {
		t.Fatalf("expected host-1 as host, got %s", sess.HostID)
	}
	if len(sess.Participants) != 1 {
		t.Fatalf("expected sole participant, got %d", len(sess.Participants))
	}
	if p := sess.Participants["host-1"]; !p.IsHost || p.Name != "Alice" {
		t.Fatalf("unexpected host participant: %+v", p)
	}
	assertOneHost(t, ms, sess.Code)
}

func TestCreateSessionBlankNameGetsGuestLabel(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "abcdef-123", "   ")
	name := sess.Participants["abcdef-123"].Name
	if !strings.HasPrefix(name, "Guest-") {
		t.Fatalf("expected generated guest label, got %q", name)
	}
}

func TestConcurrentCreatesYieldDistinctCodes(t *testing.T) {
	ms := NewMemStore()

	const n = 64
	var (
		wg    sync.WaitGroup
		mx    sync.Mutex
		codes = make(map[string]struct{}, n)
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			sess, err := ms.CreateSession(string(rune('a'+i%26))+"-host", "")
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mx.Lock()
			codes[sess.Code] = struct{}{}
			mx.Unlock()
		}(i)
	}
	wg.Wait()

	if len(codes) != n {
		t.Fatalf("expected %d distinct codes, got %d", n, len(codes))
	}
}

func TestJoinSessionCaseInsensitive(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")

	_, joined, err := ms.JoinSession(strings.ToLower(sess.Code), "user-2", "Bob")
	if err != nil {
		t.Fatalf("join with lowercased code: %v", err)
	}
	if joined.Name != "Bob" {
		t.Fatalf("unexpected joined participant: %+v", joined)
	}
	assertOneHost(t, ms, sess.Code)
}

func TestJoinSessionNotFound(t *testing.T) {
	ms := NewMemStore()
	if _, _, err := ms.JoinSession("NOPE42", "user-1", "Bob"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestJoinReturnsLastState(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")

	state := model.PlaybackState{
		Song:        &model.Song{ID: "s1", Title: "First"},
		CurrentTime: 42.5,
		IsPlaying:   true,
	}
	if err := ms.UpdatePlayback(sess.Code, "host-1", state); err != nil {
		t.Fatalf("update playback: %v", err)
	}

	snap, _, err := ms.JoinSession(sess.Code, "user-2", "Bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if snap.LastState == nil {
		t.Fatal("expected reconciliation state, got nil")
	}
	if snap.LastState.Song.ID != "s1" || snap.LastState.CurrentTime != 42.5 || !snap.LastState.IsPlaying {
		t.Fatalf("unexpected reconciliation state: %+v", snap.LastState)
	}
}

func TestLeaveHostPromotesEarliestJoined(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")
	for _, id := range []string{"user-2", "user-3", "user-4"} {
		if _, _, err := ms.JoinSession(sess.Code, id, ""); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}

	dep, err := ms.LeaveSession(sess.Code, "host-1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if dep.Ended {
		t.Fatal("session ended with participants remaining")
	}
	if dep.NewHost == nil || dep.NewHost.ID != "user-2" {
		t.Fatalf("expected user-2 promoted, got %+v", dep.NewHost)
	}
	assertOneHost(t, ms, sess.Code)

	// Successor leaves too; next earliest takes over.
	dep, err = ms.LeaveSession(sess.Code, "user-2")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if dep.NewHost == nil || dep.NewHost.ID != "user-3" {
		t.Fatalf("expected user-3 promoted, got %+v", dep.NewHost)
	}
	assertOneHost(t, ms, sess.Code)
}

func TestLeaveNonHostKeepsHost(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")
	if _, _, err := ms.JoinSession(sess.Code, "user-2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	dep, err := ms.LeaveSession(sess.Code, "user-2")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if dep.NewHost != nil {
		t.Fatalf("non-host departure must not transfer authority, got %+v", dep.NewHost)
	}
	assertOneHost(t, ms, sess.Code)
}

func TestLastLeaverDestroysSession(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")

	dep, err := ms.LeaveSession(sess.Code, "host-1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !dep.Ended {
		t.Fatal("expected session to end")
	}
	if _, err = ms.GetSession(sess.Code); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after teardown, got %v", err)
	}
	if _, _, err = ms.JoinSession(sess.Code, "user-9", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("join after teardown: expected ErrSessionNotFound, got %v", err)
	}
}

func TestTransferHost(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")
	if _, _, err := ms.JoinSession(sess.Code, "user-2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	t.Run("requester not host", func(t *testing.T) {
		if _, err := ms.TransferHost(sess.Code, "user-2", "host-1"); !errors.Is(err, ErrNotHost) {
			t.Fatalf("expected ErrNotHost, got %v", err)
		}
		assertOneHost(t, ms, sess.Code)
	})

	t.Run("target not in session", func(t *testing.T) {
		if _, err := ms.TransferHost(sess.Code, "host-1", "stranger"); !errors.Is(err, ErrNoSuchParticipant) {
			t.Fatalf("expected ErrNoSuchParticipant, got %v", err)
		}
		assertOneHost(t, ms, sess.Code)
	})

	t.Run("success flips both flags", func(t *testing.T) {
		newHost, err := ms.TransferHost(sess.Code, "host-1", "user-2")
		if err != nil {
			t.Fatalf("transfer: %v", err)
		}
		if newHost.ID != "user-2" || !newHost.IsHost {
			t.Fatalf("unexpected new host: %+v", newHost)
		}
		got, err := ms.GetSession(sess.Code)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.HostID != "user-2" {
			t.Fatalf("HostID not updated: %s", got.HostID)
		}
		if got.Participants["host-1"].IsHost {
			t.Fatal("previous host still flagged")
		}
		assertOneHost(t, ms, sess.Code)
	})
}

func TestApplyCommand(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")
	if _, _, err := ms.JoinSession(sess.Code, "user-2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	song := &model.Song{ID: "s1", Title: "First", AudioURL: "https://cdn.example/s1"}

	t.Run("non-host rejected without effect", func(t *testing.T) {
		_, err := ms.ApplyCommand(sess.Code, "user-2", model.PlaybackCommand{Action: model.ActionPlaySong, Song: song})
		if !errors.Is(err, ErrNotHost) {
			t.Fatalf("expected ErrNotHost, got %v", err)
		}
		state, err := ms.State(sess.Code)
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if state != nil {
			t.Fatalf("rejected command mutated state: %+v", state)
		}
	})

	t.Run("play-song starts from zero", func(t *testing.T) {
		state, err := ms.ApplyCommand(sess.Code, "host-1", model.PlaybackCommand{Action: model.ActionPlaySong, Song: song})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if state.Song.ID != "s1" || state.CurrentTime != 0 || !state.IsPlaying {
			t.Fatalf("unexpected state: %+v", state)
		}
	})

	t.Run("seek keeps song", func(t *testing.T) {
		state, err := ms.ApplyCommand(sess.Code, "host-1", model.PlaybackCommand{Action: model.ActionSeek, Time: 73.2})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if state.Song.ID != "s1" || state.CurrentTime != 73.2 {
			t.Fatalf("unexpected state: %+v", state)
		}
	})

	t.Run("pause flips flag only", func(t *testing.T) {
		state, err := ms.ApplyCommand(sess.Code, "host-1", model.PlaybackCommand{Action: model.ActionPause})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if state.IsPlaying || state.Song.ID != "s1" || state.CurrentTime != 73.2 {
			t.Fatalf("unexpected state: %+v", state)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		if _, err := ms.ApplyCommand(sess.Code, "host-1", model.PlaybackCommand{Action: "rewind"}); !errors.Is(err, ErrUnknownAction) {
			t.Fatalf("expected ErrUnknownAction, got %v", err)
		}
	})

	t.Run("play-song without a song rejected", func(t *testing.T) {
		if _, err := ms.ApplyCommand(sess.Code, "host-1", model.PlaybackCommand{Action: model.ActionPlaySong}); !errors.Is(err, ErrNoSong) {
			t.Fatalf("expected ErrNoSong, got %v", err)
		}
		state, err := ms.State(sess.Code)
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if state.Song == nil || state.Song.ID != "s1" {
			t.Fatalf("rejected command mutated state: %+v", state)
		}
	})

	t.Run("next without a song rejected", func(t *testing.T) {
		if _, err := ms.ApplyCommand(sess.Code, "host-1", model.PlaybackCommand{Action: model.ActionNext}); !errors.Is(err, ErrNoSong) {
			t.Fatalf("expected ErrNoSong, got %v", err)
		}
	})
}

func TestUpdatePlaybackReplacesWholesale(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")

	first := model.PlaybackState{Song: &model.Song{ID: "s1"}, CurrentTime: 10, IsPlaying: true}
	if err := ms.UpdatePlayback(sess.Code, "host-1", first); err != nil {
		t.Fatalf("update: %v", err)
	}
	second := model.PlaybackState{CurrentTime: 0, IsPlaying: false}
	if err := ms.UpdatePlayback(sess.Code, "host-1", second); err != nil {
		t.Fatalf("update: %v", err)
	}

	state, err := ms.State(sess.Code)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Song != nil || state.CurrentTime != 0 || state.IsPlaying {
		t.Fatalf("snapshot was merged instead of replaced: %+v", state)
	}
}

func TestEndSession(t *testing.T) {
	ms := NewMemStore()
	sess := mustCreate(t, ms, "host-1", "Alice")
	if _, _, err := ms.JoinSession(sess.Code, "user-2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := ms.EndSession(sess.Code, "user-2"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}

	members, err := ms.EndSession(sess.Code, "host-1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 notified members, got %d", len(members))
	}
	if _, err = ms.GetSession(sess.Code); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after end, got %v", err)
	}
}
