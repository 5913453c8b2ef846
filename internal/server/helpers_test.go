package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/apxctrl/internal/clock"
	"github.com/Iron-Ham/apxctrl/internal/results"
	"github.com/Iron-Ham/apxctrl/internal/session"
	"github.com/Iron-Ham/apxctrl/internal/testutil"
)

type stubSupervisor struct {
	mu     sync.Mutex
	killed int
}

func (s *stubSupervisor) KillAll(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed++
	return 1, nil
}

func (s *stubSupervisor) Alive(context.Context, string) (bool, error) { return true, nil }

type recordedRequest struct {
	route string
	code  int
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	clients  []int
}

func (f *fakeRecorder) RequestServed(route string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, recordedRequest{route, code})
}

func (f *fakeRecorder) StreamClients(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients = append(f.clients, n)
}

func (f *fakeRecorder) served() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeRecorder) lastClients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return -1
	}
	return f.clients[len(f.clients)-1]
}

type fixture struct {
	srv      *Server
	ctrl     *session.Controller
	drv      *testutil.FakeDriver
	clk      *clock.FakeClock
	recorder *fakeRecorder
	dir      string
	project  string
}

func newFixture(t *testing.T, mutate func(*fixture, *Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		drv:      &testutil.FakeDriver{},
		clk:      clock.Fake(time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)),
		recorder: &fakeRecorder{},
		dir:      dir,
		project:  testutil.WriteProject(t, dir, "Line1.approjx", "<project/>"),
	}
	f.ctrl = session.New(session.Options{
		Driver:         f.drv,
		Supervisor:     &stubSupervisor{},
		Archiver:       results.NewArchiver(filepath.Join(dir, "staging"), nil),
		Clock:          f.clk,
		ProcessPattern: "*APx500*",
		CloseGrace:     200 * time.Millisecond,
		RunTimeout:     2 * time.Second,
	})
	t.Cleanup(f.ctrl.Close)

	opts := Options{
		Controller: f.ctrl,
		Recorder:   f.recorder,
		Version:    "test",
	}
	if mutate != nil {
		mutate(f, &opts)
	}
	f.srv = New(opts)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) setup(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/setup", map[string]string{"project_path": f.project})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}
