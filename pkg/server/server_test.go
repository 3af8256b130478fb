package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/devbox/pkg/agent"
	"github.com/nstogner/devbox/pkg/domain"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/store"
	"github.com/nstogner/devbox/pkg/store/sqlite"
)

type fakeSandbox struct {
	registry *sandbox.Registry
	closed   atomic.Bool
}

func (f *fakeSandbox) Start(ctx context.Context) error { return nil }
func (f *fakeSandbox) State() sandbox.State            { return sandbox.StateRunning }

func (f *fakeSandbox) Execute(ctx context.Context, cmd string) (sandbox.Result, error) {
	return sandbox.Result{Output: strings.TrimPrefix(cmd, "echo ")}, nil
}

func (f *fakeSandbox) ExecuteInBackground(ctx context.Context, cmd string) (*sandbox.BackgroundProcess, error) {
	return f.registry.Register(cmd, 0, nil), nil
}

func (f *fakeSandbox) ReadOutput(id int) (string, error) {
	p, err := f.registry.Get(id)
	if err != nil {
		return "", err
	}
	return p.Read(), nil
}

func (f *fakeSandbox) Kill(ctx context.Context, id int) (*sandbox.BackgroundProcess, error) {
	return f.registry.Remove(id)
}

func (f *fakeSandbox) Processes() []*sandbox.BackgroundProcess { return f.registry.List() }

func (f *fakeSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeSandbox) WriteFile(ctx context.Context, path, content string) error {
	return errors.New("not supported")
}

func (f *fakeSandbox) Close(ctx context.Context) error {
	f.closed.Store(true)
	return nil
}

// scriptedAgent returns its actions in order and finishes once they run out.
type scriptedAgent struct {
	mu      sync.Mutex
	actions []domain.Action
	states  []agent.State
}

func (a *scriptedAgent) Step(ctx context.Context, state agent.State) (domain.Action, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = append(a.states, state)
	if len(a.actions) == 0 {
		return domain.FinishAction{}, nil
	}
	next := a.actions[0]
	a.actions = a.actions[1:]
	return next, nil
}

func (a *scriptedAgent) lastState() agent.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[len(a.states)-1]
}

type harness struct {
	srv       *Server
	http      *httptest.Server
	store     *sqlite.Store
	agent     *scriptedAgent
	mu        sync.Mutex
	sandboxes []*fakeSandbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store: st,
		agent: &scriptedAgent{actions: []domain.Action{domain.RunAction{Command: "echo hi"}}},
	}

	agents := agent.NewRegistry()
	agents.Register("scripted", func(ctx context.Context, opts agent.Options) (agent.Agent, error) {
		return h.agent, nil
	})

	factory := func(ctx context.Context, req SandboxRequest) (sandbox.Sandbox, error) {
		if req.Image == "broken" {
			return nil, sandbox.ErrEngineUnreachable
		}
		sb := &fakeSandbox{registry: sandbox.NewRegistry(0)}
		h.mu.Lock()
		h.sandboxes = append(h.sandboxes, sb)
		h.mu.Unlock()
		return sb, nil
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.srv = New(logger, agents, factory, st, Defaults{Agent: "scripted", Image: "devbox:test", MaxIterations: 10})
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(h.http.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) sandbox(i int) *fakeSandbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sandboxes[i]
}

// message is the union of every outbound frame.
type message struct {
	Error       bool                   `json:"error"`
	Message     string                 `json:"message"`
	SessionID   string                 `json:"session_id"`
	Action      domain.ActionType      `json:"action"`
	Observation domain.ObservationType `json:"observation"`
	Args        json.RawMessage        `json:"args"`
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func receive(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestStartBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"action":"start","args":{"task":"build it"}}`)
	m := receive(t, conn)
	assert.True(t, m.Error)
	assert.Equal(t, MsgNoAgent, m.Message)

	send(t, conn, `{"action":"run","args":{"command":"ls"}}`)
	m = receive(t, conn)
	assert.Equal(t, MsgNoAgent, m.Message)

	h.mu.Lock()
	assert.Empty(t, h.sandboxes)
	h.mu.Unlock()
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `not json`)
	m := receive(t, conn)
	assert.True(t, m.Error)
	assert.Equal(t, MsgInvalidJSON, m.Message)

	send(t, conn, `{"args":{}}`)
	m = receive(t, conn)
	assert.Equal(t, MsgInvalidEvent, m.Message)

	send(t, conn, `{"action":"initialize","args":{"container_image":"broken"}}`)
	m = receive(t, conn)
	assert.True(t, m.Error)
	assert.Equal(t, MsgControllerFailed, m.Message)

	send(t, conn, `{"action":"initialize"}`)
	m = receive(t, conn)
	assert.False(t, m.Error)
	assert.Equal(t, MsgLoopStarted, m.Message)
	assert.NotEmpty(t, m.SessionID)

	send(t, conn, `{"action":"start","args":{}}`)
	m = receive(t, conn)
	assert.True(t, m.Error)
	assert.Equal(t, MsgNoTask, m.Message)

	send(t, conn, `{"action":"think","args":{"thought":"hmm"}}`)
	m = receive(t, conn)
	assert.Equal(t, MsgUnsupported, m.Message)
}

func TestRunTaskStreamsHistory(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"action":"initialize"}`)
	started := receive(t, conn)
	require.Equal(t, MsgLoopStarted, started.Message)

	send(t, conn, `{"action":"start","args":{"task":"say hi"}}`)
	assert.Equal(t, MsgStartingTask, receive(t, conn).Message)

	m := receive(t, conn)
	assert.Equal(t, domain.ActionRun, m.Action)
	m = receive(t, conn)
	assert.Equal(t, domain.ObservationRun, m.Observation)
	var out domain.CmdOutputObservation
	require.NoError(t, json.Unmarshal(m.Args, &out))
	assert.Equal(t, "hi", out.Content)
	assert.Equal(t, -1, out.CommandID)

	// The finish action's null observation is not sent.
	m = receive(t, conn)
	assert.Equal(t, domain.ActionFinish, m.Action)
	assert.Empty(t, m.Observation)

	require.Eventually(t, func() bool {
		sess, err := h.store.GetSession(context.Background(), started.SessionID)
		return err == nil && sess.Status == store.StatusFinished
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(h.http.URL + "/api/sessions/" + started.SessionID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []store.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 3)
	assert.Equal(t, domain.ActionRun, events[0].Envelope.Action)
	assert.Equal(t, domain.ObservationRun, events[1].Envelope.Observation)
	assert.Equal(t, domain.ActionFinish, events[2].Envelope.Action)
}

func TestChatResumesIdleLoop(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"action":"initialize"}`)
	started := receive(t, conn)
	require.Equal(t, MsgLoopStarted, started.Message)
	send(t, conn, `{"action":"start","args":{"task":"say hi"}}`)
	require.Equal(t, MsgStartingTask, receive(t, conn).Message)
	for i := 0; i < 3; i++ {
		receive(t, conn)
	}
	require.Eventually(t, func() bool {
		sess, err := h.store.GetSession(context.Background(), started.SessionID)
		return err == nil && sess.Status == store.StatusFinished
	}, 5*time.Second, 20*time.Millisecond)

	send(t, conn, `{"action":"chat","args":{"message":"thanks, now stop"}}`)
	m := receive(t, conn)
	assert.Equal(t, domain.ObservationChat, m.Observation)
	assert.Empty(t, m.Action)
	m = receive(t, conn)
	assert.Equal(t, domain.ActionFinish, m.Action)

	state := h.agent.lastState()
	assert.Equal(t, "say hi", state.Task)
	require.NotEmpty(t, state.History)
	last := state.History[len(state.History)-1]
	assert.Equal(t, domain.UserMessageObservation{Message: "thanks, now stop"}, last.Observation)
}

func TestBackToBackChatsThenNewTask(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"action":"initialize"}`)
	started := receive(t, conn)
	require.Equal(t, MsgLoopStarted, started.Message)
	send(t, conn, `{"action":"start","args":{"task":"say hi"}}`)
	require.Equal(t, MsgStartingTask, receive(t, conn).Message)
	require.Eventually(t, func() bool {
		sess, err := h.store.GetSession(context.Background(), started.SessionID)
		return err == nil && sess.Status == store.StatusFinished
	}, 5*time.Second, 20*time.Millisecond)

	send(t, conn, `{"action":"chat","args":{"message":"first"}}`)
	send(t, conn, `{"action":"chat","args":{"message":"second"}}`)

	require.Eventually(t, func() bool {
		var seen []string
		for _, e := range h.agent.lastState().History {
			if m, ok := e.Observation.(domain.UserMessageObservation); ok {
				seen = append(seen, m.Message)
			}
		}
		return assert.ObjectsAreEqual([]string{"first", "second"}, seen)
	}, 5*time.Second, 20*time.Millisecond, "no chat message is left pending")

	send(t, conn, `{"action":"start","args":{"task":"next"}}`)
	var replied bool
	for i := 0; i < 20 && !replied; i++ {
		m := receive(t, conn)
		require.False(t, m.Error, m.Message)
		replied = m.Message == MsgStartingTask
	}
	require.True(t, replied)

	require.Eventually(t, func() bool {
		sess, err := h.store.GetSession(context.Background(), started.SessionID)
		return err == nil && sess.Task == "next" && sess.Status == store.StatusFinished
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "next", h.agent.lastState().Task)
}

func TestDisconnectTearsDownSandbox(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"action":"initialize"}`)
	started := receive(t, conn)
	require.Equal(t, MsgLoopStarted, started.Message)

	send(t, conn, `{"action":"initialize"}`)
	require.Equal(t, MsgLoopStarted, receive(t, conn).Message)
	assert.True(t, h.sandbox(0).closed.Load(), "reinitialize closes the previous sandbox")
	assert.False(t, h.sandbox(1).closed.Load())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.sandbox(1).closed.Load() }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		sess, err := h.store.GetSession(context.Background(), started.SessionID)
		return err == nil && sess.Status == store.StatusClosed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestREST(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.http.URL + "/api/sessions")
	require.NoError(t, err)
	var sessions []store.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	resp.Body.Close()
	assert.Empty(t, sessions)

	resp, err = http.Get(h.http.URL + "/api/sessions/missing/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(h.http.URL + "/api/agents")
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	resp.Body.Close()
	assert.Equal(t, []string{"scripted"}, names)
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"action":"initialize"}`)
	require.Equal(t, MsgLoopStarted, receive(t, conn).Message)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))
	assert.True(t, h.sandbox(0).closed.Load())
}
