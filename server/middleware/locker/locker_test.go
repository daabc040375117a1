package locker_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"goji.io"
	"goji.io/pat"

	"github.com/photonlab/pmmon/server/middleware/locker"
)

type table map[goji.Pattern]http.HandlerFunc

func (t table) RT() map[goji.Pattern]http.HandlerFunc { return t }

func lockedServer(t *testing.T, l *locker.Locker) *httptest.Server {
	t.Helper()
	rt := table{
		pat.Get("/value"): func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	}
	locker.Inject(rt, l)
	mux := goji.NewMux()
	mux.Use(l.Check)
	for p, h := range rt {
		mux.HandleFunc(p, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setLock(t *testing.T, srv *httptest.Server, locked bool) {
	t.Helper()
	body, _ := json.Marshal(map[string]bool{"bool": locked})
	resp, err := http.Post(srv.URL+"/lock", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /lock: status %d", resp.StatusCode)
	}
}

func TestLockBouncesProtectedRoutes(t *testing.T) {
	l := locker.New()
	srv := lockedServer(t, l)

	resp, err := http.Get(srv.URL + "/value")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlocked GET /value: status %d", resp.StatusCode)
	}

	setLock(t, srv, true)
	resp, err = http.Get(srv.URL + "/value")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("locked GET /value: expected 423, got %d", resp.StatusCode)
	}

	// the lock route itself is never protected, so it can be released
	resp, err = http.Get(srv.URL + "/lock")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /lock while locked: status %d", resp.StatusCode)
	}
	var got struct {
		Bool bool `json:"bool"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got.Bool {
		t.Error("GET /lock reported unlocked while held")
	}

	setLock(t, srv, false)
	resp, err = http.Get(srv.URL + "/value")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /value after unlock: expected 200, got %d", resp.StatusCode)
	}
}

func TestDoNotProtectExemptsRoutes(t *testing.T) {
	l := locker.New()
	l.DoNotProtect = append(l.DoNotProtect, "value")
	srv := lockedServer(t, l)

	setLock(t, srv, true)
	resp, err := http.Get(srv.URL + "/value")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("exempted route was bounced: status %d", resp.StatusCode)
	}
}
