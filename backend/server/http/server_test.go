package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/vardhanngg/vibron/backend/model"
	"github.com/vardhanngg/vibron/backend/storage/memory"
)

func startAPI(t *testing.T, ms *memory.MemStore) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger:     &logger,
		Sessions:   ms,
		ListenAddr: ":0",
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealth(t *testing.T) {
	ts := startAPI(t, memory.NewMemStore())

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGetSession(t *testing.T) {
	ms := memory.NewMemStore()
	sess, err := ms.CreateSession("host-1", "Alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err = ms.UpdatePlayback(sess.Code, "host-1", model.PlaybackState{
		Song: &model.Song{ID: "s1"}, CurrentTime: 7, IsPlaying: true,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ts := startAPI(t, ms)

	t.Run("found", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/session/" + strings.ToLower(sess.Code))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		var out struct {
			Data SessionView `json:"data"`
		}
		if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Data.Code != sess.Code {
			t.Fatalf("expected code %s, got %s", sess.Code, out.Data.Code)
		}
		if len(out.Data.Participants) != 1 || !out.Data.Participants[0].IsHost {
			t.Fatalf("unexpected roster: %+v", out.Data.Participants)
		}
		if out.Data.LastState == nil || out.Data.LastState.Song.ID != "s1" {
			t.Fatalf("unexpected state: %+v", out.Data.LastState)
		}
	})

	t.Run("not found", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/session/ZZZZZZ")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})
}
