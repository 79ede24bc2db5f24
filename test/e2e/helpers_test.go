package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/taskfolk/syncline/internal/api"
	"github.com/taskfolk/syncline/internal/cache"
	"github.com/taskfolk/syncline/internal/coordinator"
	"github.com/taskfolk/syncline/internal/queue"
	"github.com/taskfolk/syncline/internal/retry"
	"github.com/taskfolk/syncline/internal/socket"
	"github.com/taskfolk/syncline/internal/store"
)

const (
	testToken    = "tok_e2e"
	testDeviceID = "device-e2e"
	stateSecret  = "e2e-state-secret"

	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// backend fakes the TaskFolk side: REST collection endpoints, the
// unread-count endpoint, a health endpoint, and the realtime gateway the
// engine's socket dials. Every request is checked against the test
// credentials and recorded.
type backend struct {
	srv *httptest.Server

	mu          sync.Mutex
	collections map[string]string
	unread      int
	nextID      int
	requests    []string
	bodiesBy    map[string][]string

	sockMu sync.Mutex
	conn   *websocket.Conn
	frames chan []byte
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{
		collections: make(map[string]string),
		bodiesBy:    make(map[string][]string),
		frames:      make(chan []byte, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/socket", b.handleSocket)
	mux.HandleFunc("/", b.handleAPI)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

func (b *backend) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	request := r.Method + " " + r.URL.Path

	b.mu.Lock()
	b.requests = append(b.requests, request)
	b.mu.Unlock()

	switch {
	case r.URL.Path == "/messages/unread-count":
		b.mu.Lock()
		n := b.unread
		b.mu.Unlock()

		fmt.Fprintf(w, `{"count":%d}`, n)

	case r.Method == http.MethodGet:
		b.mu.Lock()
		data, ok := b.collections[strings.TrimPrefix(r.URL.Path, "/")]
		b.mu.Unlock()

		if !ok {
			data = "[]"
		}

		fmt.Fprint(w, data)

	case r.Method == http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		b.mu.Lock()
		b.bodiesBy[request] = append(b.bodiesBy[request], string(body))
		b.nextID++
		id := b.nextID
		b.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"srv-%d"}`, id)

	case r.Method == http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		b.mu.Lock()
		b.bodiesBy[request] = append(b.bodiesBy[request], string(body))
		b.mu.Unlock()

		fmt.Fprint(w, `{}`)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSocket upgrades the connection and feeds every client frame into
// the frames channel until the session dies.
func (b *backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	b.sockMu.Lock()
	b.conn = conn
	b.sockMu.Unlock()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		select {
		case b.frames <- data:
		default:
		}
	}
}

func (b *backend) setCollection(name, data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collections[name] = data
}

func (b *backend) setUnread(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unread = n
}

func (b *backend) count(request string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, g := range b.requests {
		if g == request {
			n++
		}
	}

	return n
}

func (b *backend) bodies(request string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.bodiesBy[request]...)
}

func (b *backend) totalRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.requests)
}

// waitSession blocks until a socket session is connected.
func (b *backend) waitSession(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		b.sockMu.Lock()
		defer b.sockMu.Unlock()

		return b.conn != nil
	}, waitFor, tick, "engine never connected its socket")
}

// closeSession drops the live websocket from the server side.
func (b *backend) closeSession(t *testing.T) {
	t.Helper()

	b.sockMu.Lock()
	conn := b.conn
	b.conn = nil
	b.sockMu.Unlock()

	require.NotNil(t, conn, "no socket session to close")
	_ = conn.Close(websocket.StatusGoingAway, "kicked")
}

// push sends a frame to the connected client.
func (b *backend) push(t *testing.T, kind socket.Kind, payload string) {
	t.Helper()

	b.sockMu.Lock()
	conn := b.conn
	b.sockMu.Unlock()
	require.NotNil(t, conn, "no socket session connected")

	frame, err := json.Marshal(map[string]any{
		"kind":    kind,
		"payload": json.RawMessage(payload),
		"sent_at": time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

// waitFrame blocks until the client sends a frame of the given kind.
func (b *backend) waitFrame(t *testing.T, kind socket.Kind) []byte {
	t.Helper()

	deadline := time.After(waitFor)

	for {
		select {
		case data := <-b.frames:
			if gjson.GetBytes(data, "kind").String() == string(kind) {
				return data
			}
		case <-deadline:
			t.Fatalf("no %s frame from client", kind)
		}
	}
}

// scriptedNetwork stands in for the probe monitor so tests can flip
// connectivity deterministically.
type scriptedNetwork struct {
	mu     sync.Mutex
	online bool
	subs   []func(bool)
}

func (f *scriptedNetwork) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.online
}

func (f *scriptedNetwork) Subscribe(fn func(online bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)

	return func() {}
}

func (f *scriptedNetwork) set(online bool) {
	f.mu.Lock()
	if f.online == online {
		f.mu.Unlock()
		return
	}

	f.online = online
	subs := append([]func(bool){}, f.subs...)
	f.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// engine is the full client stack, wired the way cmd/syncline wires it
// but pointed at the fake backend and a scripted connectivity source.
type engine struct {
	network *scriptedNetwork
	store   *store.Store
	cache   *cache.Cache
	queue   *queue.Queue
	socket  *socket.Client
	co      *coordinator.Coordinator

	cancel  context.CancelFunc
	done    chan error
	stopped bool
}

func newEngine(t *testing.T, b *backend, statePath string) *engine {
	t.Helper()

	st, err := store.Open(statePath, stateSecret)
	require.NoError(t, err)

	e := &engine{
		network: &scriptedNetwork{online: true},
		store:   st,
		cache:   cache.New(st, 24*time.Hour),
		queue:   queue.New(st, testLogger),
	}

	e.socket = socket.New(socket.Config{
		URL:                  b.srv.URL + "/socket",
		Token:                testToken,
		DeviceID:             testDeviceID,
		HeartbeatInterval:    100 * time.Millisecond,
		ReconnectBaseDelay:   50 * time.Millisecond,
		ReconnectMaxDelay:    200 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, testLogger)

	e.co = coordinator.New(coordinator.Config{
		SyncInterval: 50 * time.Millisecond,
		Retry: retry.Config{
			MaxAttempts: 2,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
			Factor:      2,
		},
	}, st, api.New(b.srv.URL, testToken, testDeviceID, b.srv.Client()), e.cache, e.queue, e.network, e.socket, testLogger)

	return e
}

// start initializes the coordinator, runs its loop, and connects the
// socket when the network is up. Teardown is registered on t.
func (e *engine) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan error, 1)

	require.NoError(t, e.co.Initialize(ctx))

	go func() { e.done <- e.co.Run(ctx) }()

	if e.network.Online() {
		require.NoError(t, e.socket.Connect(ctx))
	}

	t.Cleanup(func() { e.stop(t) })
}

func (e *engine) stop(t *testing.T) {
	t.Helper()

	if e.stopped {
		return
	}

	e.stopped = true
	e.cancel()

	select {
	case <-e.done:
	case <-time.After(waitFor):
		t.Fatal("coordinator did not stop")
	}

	require.NoError(t, e.socket.Disconnect())
	require.NoError(t, e.store.Close())
}
