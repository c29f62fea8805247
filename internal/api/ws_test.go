package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/hub"
	"github.com/ashureev/threatwatch/internal/scan"
	"github.com/ashureev/threatwatch/internal/store"
	"github.com/ashureev/threatwatch/internal/trace"
)

func dialObserver(t *testing.T, ctx context.Context, srv *testServer, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvents(t *testing.T, ctx context.Context, conn *websocket.Conn, n int) []domain.TraceEvent {
	t.Helper()
	events := make([]domain.TraceEvent, 0, n)
	for len(events) < n {
		var ev domain.TraceEvent
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		events = append(events, ev)
	}
	return events
}

func TestObserverReceivesLiveEvents(t *testing.T) {
	srv := newTestServer(t, scripted(cleanReport), nil)
	srv.configure(t, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialObserver(t, ctx, srv, "/ws/scan/s1")
	other := dialObserver(t, ctx, srv, "/ws/scan/s2")
	require.Eventually(t, func() bool { return srv.hub.Count("s1") == 1 && srv.hub.Count("s2") == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, _ := srv.do(t, http.MethodPost, "/api/scan?async=true", map[string]any{"asset": "nginx", "sessionId": "s1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	events := readEvents(t, ctx, conn, 7)
	var lastID int64
	for _, ev := range events[:6] {
		assert.Equal(t, domain.EventThought, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
		assert.Greater(t, ev.ID, lastID)
		lastID = ev.ID
	}
	assert.Equal(t, domain.EventScanStatus, events[6].Type)
	assert.Equal(t, scan.StatusCompleted, events[6].Status)

	// The other session's observer saw nothing.
	quiet, stop := context.WithTimeout(ctx, 100*time.Millisecond)
	defer stop()
	var ev domain.TraceEvent
	assert.Error(t, wsjson.Read(quiet, other, &ev))
}

func TestObserverReplay(t *testing.T) {
	srv := newTestServer(t, scripted(cleanReport), nil)
	srv.configure(t, "s1")

	resp, _ := srv.do(t, http.MethodPost, "/api/scan", map[string]any{"asset": "nginx", "sessionId": "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialObserver(t, ctx, srv, "/ws/scan/s1?replay=true")
	events := readEvents(t, ctx, conn, 6)
	assert.Equal(t, "Threat Researcher Agent", events[0].Agent)
	assert.Equal(t, "Report Synthesis Agent", events[5].Agent)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
	}
}

func TestObserverPingPong(t *testing.T) {
	srv := newTestServer(t, scripted(cleanReport), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialObserver(t, ctx, srv, "/ws/scan/s1")
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))

	var got map[string]string
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "pong", got["type"])
}

func TestObserverUnsubscribesOnClose(t *testing.T) {
	srv := newTestServer(t, scripted(cleanReport), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialObserver(t, ctx, srv, "/ws/scan/s1")
	require.Eventually(t, func() bool { return srv.hub.Count("s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return srv.hub.Count("s1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestObserverRejectsBadOrigin(t *testing.T) {
	h := NewObserverHandler(nil, nil, []string{"https://app.example.com"}, false, nil)
	req, err := http.NewRequest(http.MethodGet, "/ws/scan/s1", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, h.checkOrigin(req))
}

type gatedTraceRepo struct {
	store.TraceRepository
	listing chan struct{}
	release chan struct{}
}

func (r *gatedTraceRepo) ListTraces(ctx context.Context, sessionID string) ([]domain.TraceEvent, error) {
	close(r.listing)
	<-r.release
	return r.TraceRepository.ListTraces(ctx, sessionID)
}

func TestObserverReplayHoldsLiveEvents(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	bg := context.Background()
	_, err = repo.EnsureSession(bg, "s1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := repo.AppendTrace(bg, domain.TraceEvent{SessionID: "s1", Type: domain.EventThought, Agent: "Researcher", Thought: "stored", Timestamp: time.Now()})
		require.NoError(t, err)
	}

	gated := &gatedTraceRepo{TraceRepository: repo, listing: make(chan struct{}), release: make(chan struct{})}
	h := hub.New(2, nil, nil)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Get("/ws/scan/{sessionID}", NewObserverHandler(h, trace.NewStore(gated, nil), []string{"*"}, false, nil).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()
	conn := dialObserver(t, ctx, &testServer{Server: srv}, "/ws/scan/s1?replay=true")
	<-gated.listing

	// More live events than the observer queue holds arrive mid-replay.
	const live = 8
	for i := 0; i < live; i++ {
		h.Publish("s1", domain.TraceEvent{ID: int64(100 + i), SessionID: "s1", Type: domain.EventThought, Thought: "live"})
		time.Sleep(5 * time.Millisecond)
	}
	close(gated.release)

	events := readEvents(t, ctx, conn, 3+live)
	for _, ev := range events[:3] {
		assert.Equal(t, "stored", ev.Thought)
	}
	for i, ev := range events[3:] {
		assert.Equal(t, int64(100+i), ev.ID)
	}
	assert.Equal(t, 1, h.Count("s1"))
}
