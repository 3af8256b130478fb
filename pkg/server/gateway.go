package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nstogner/devbox/pkg/agent"
	"github.com/nstogner/devbox/pkg/controller"
	"github.com/nstogner/devbox/pkg/domain"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/store"
)

// Replies to client events.
const (
	MsgInvalidJSON      = "Invalid JSON"
	MsgInvalidEvent     = "Invalid event"
	MsgControllerFailed = "Error creating controller. Please check Docker is running using `docker ps`."
	MsgLoopStarted      = "Control loop started."
	MsgNoAgent          = "No agent started. Please wait a second..."
	MsgNoTask           = "No task specified"
	MsgStartingTask     = "Starting new task..."
	MsgUnsupported      = "Unsupported action"
)

// inbound is a client event.
type inbound struct {
	Action domain.ActionType `json:"action"`
	Args   json.RawMessage   `json:"args,omitempty"`
}

// Reply is a status or protocol error message sent to the client.
type Reply struct {
	Error     bool   `json:"error,omitempty"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type initializeArgs struct {
	Directory      string `json:"directory"`
	Agent          string `json:"agent"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	ContainerImage string `json:"container_image"`
}

type startArgs struct {
	Task string `json:"task"`
}

type chatArgs struct {
	Message string `json:"message"`
}

// Session binds one websocket connection to a controller and its sandbox.
type Session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger
	closed chan struct{}

	writeMu sync.Mutex

	mu         sync.Mutex
	controller *controller.Controller
	sandbox    sandbox.Sandbox
	loops      *errgroup.Group
	cancels    []context.CancelFunc
	recorded   bool
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	id := uuid.NewString()
	sess := &Session{
		id:     id,
		srv:    s,
		conn:   ws,
		logger: s.logger.With("sessionID", id),
		closed: make(chan struct{}),
		loops:  new(errgroup.Group),
	}
	s.track(sess)
	defer func() {
		s.forget(sess)
		close(sess.closed)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess.logger.Info("Session connected")
	sess.serve(ctx)

	cancel()
	sess.teardown(ctx)
	sess.setStatus(context.WithoutCancel(ctx), "", store.StatusClosed)
	sess.logger.Info("Session disconnected")
}

// serve reads client events until the connection drops.
func (s *Session) serve(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}

		var ev inbound
		if err := json.Unmarshal(data, &ev); err != nil {
			s.replyError(MsgInvalidJSON)
			continue
		}
		if ev.Action == "" {
			s.replyError(MsgInvalidEvent)
			continue
		}
		s.handle(ctx, ev)
	}
}

func (s *Session) handle(ctx context.Context, ev inbound) {
	if ev.Action == domain.ActionInitialize {
		s.initialize(ctx, ev.Args)
		return
	}

	c := s.current()
	if c == nil {
		s.replyError(MsgNoAgent)
		return
	}

	switch ev.Action {
	case domain.ActionStart:
		var args startArgs
		if !s.decodeArgs(ev.Args, &args) {
			return
		}
		if args.Task == "" {
			s.replyError(MsgNoTask)
			return
		}
		s.stopLoop()
		s.reply(Reply{Message: MsgStartingTask})
		if !s.launch(ctx, c, args.Task) {
			s.replyError(controller.ErrAlreadyRunning.Error())
		}

	case domain.ActionChat:
		var args chatArgs
		if !s.decodeArgs(ev.Args, &args) {
			return
		}
		c.AddPending(domain.NullAction{}, domain.UserMessageObservation{Message: args.Message})
		if c.Task() != "" {
			s.launch(ctx, c, "")
		}

	default:
		s.replyError(MsgUnsupported)
	}
}

func (s *Session) decodeArgs(raw json.RawMessage, v any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.replyError(MsgInvalidEvent)
		return false
	}
	return true
}

// initialize replaces any existing controller and sandbox with new ones.
func (s *Session) initialize(ctx context.Context, raw json.RawMessage) {
	var args initializeArgs
	if !s.decodeArgs(raw, &args) {
		return
	}
	s.teardown(ctx)

	d := s.srv.defaults
	if args.Agent == "" {
		args.Agent = d.Agent
	}
	if args.Model == "" {
		args.Model = d.Model
	}
	if args.APIKey == "" {
		args.APIKey = d.APIKey
	}
	if args.ContainerImage == "" {
		args.ContainerImage = d.Image
	}

	c, sb, err := s.newController(ctx, args)
	if err != nil {
		s.logger.Error("Failed to create controller", "agent", args.Agent, "image", args.ContainerImage, "error", err)
		s.replyError(MsgControllerFailed)
		return
	}

	s.mu.Lock()
	s.controller = c
	s.sandbox = sb
	s.loops = new(errgroup.Group)
	s.mu.Unlock()

	s.persist(ctx, args)
	s.logger.Info("Control loop initialized", "agent", args.Agent, "model", args.Model, "image", args.ContainerImage)
	s.reply(Reply{Message: MsgLoopStarted, SessionID: s.id})
}

func (s *Session) newController(ctx context.Context, args initializeArgs) (*controller.Controller, sandbox.Sandbox, error) {
	sb, err := s.srv.sandboxes(ctx, SandboxRequest{
		SessionID: s.id,
		Image:     args.ContainerImage,
		Directory: args.Directory,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := sb.Start(ctx); err != nil {
		s.closeSandbox(ctx, sb)
		return nil, nil, err
	}

	a, err := s.srv.agents.New(ctx, args.Agent, agent.Options{
		Model:  args.Model,
		APIKey: args.APIKey,
		Logger: s.logger,
	})
	if err != nil {
		s.closeSandbox(ctx, sb)
		return nil, nil, err
	}

	c := controller.New(a, sb, s.logger,
		controller.WithMaxIterations(s.srv.defaults.MaxIterations),
		controller.WithCallback(s.stream),
		controller.WithCallback(s.record),
	)
	return c, sb, nil
}

func (s *Session) current() *controller.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

// launch claims the control loop and runs it in the background. task may be
// empty to resume the current one. It reports false when a loop is already
// running.
func (s *Session) launch(ctx context.Context, c *controller.Controller, task string) bool {
	run, ok := c.TryRun(task)
	if !ok {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	loops := s.loops
	s.mu.Unlock()

	s.setStatus(ctx, task, store.StatusRunning)
	loops.Go(func() error {
		defer cancel()
		return s.runLoop(loopCtx, c, run)
	})
	return true
}

// runLoop runs a claimed loop. Messages queued after the agent's final step
// resume the task in the same goroutine.
func (s *Session) runLoop(ctx context.Context, c *controller.Controller, run func(context.Context) error) error {
	for {
		err := run(ctx)
		switch {
		case err == nil:
			if ctx.Err() == nil && c.HasPending() {
				if next, ok := c.TryRun(""); ok {
					run = next
					continue
				}
			}
			if !c.Running() {
				s.setStatus(ctx, "", store.StatusFinished)
			}
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, controller.ErrTaskRequired):
			s.replyError(MsgNoTask)
		default:
			s.replyError(err.Error())
		}
		s.setStatus(ctx, "", store.StatusError)
		return err
	}
}

// stopLoop cancels every running loop and waits for them to return.
func (s *Session) stopLoop() {
	s.mu.Lock()
	cancels := s.cancels
	loops := s.loops
	s.cancels = nil
	s.loops = new(errgroup.Group)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if err := loops.Wait(); err != nil {
		s.logger.Warn("Control loop ended with error", "error", err)
	}
}

// teardown stops the loop and closes the sandbox.
func (s *Session) teardown(ctx context.Context) {
	s.stopLoop()

	s.mu.Lock()
	sb := s.sandbox
	s.sandbox = nil
	s.controller = nil
	s.mu.Unlock()

	if sb != nil {
		s.closeSandbox(ctx, sb)
	}
}

func (s *Session) closeSandbox(ctx context.Context, sb sandbox.Sandbox) {
	if err := sb.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("Failed to close sandbox", "error", err)
	}
}

// stream forwards a history entry to the client. Null parts are not sent.
func (s *Session) stream(ctx context.Context, action domain.Action, obs domain.Observation) error {
	envs, err := envelopes(action, obs)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := s.write(env); err != nil {
			return err
		}
	}
	return nil
}

// record appends a history entry to the session's event log.
func (s *Session) record(ctx context.Context, action domain.Action, obs domain.Observation) error {
	envs, err := envelopes(action, obs)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if _, err := s.srv.store.AppendEvent(context.WithoutCancel(ctx), s.id, env); err != nil {
			return err
		}
	}
	return nil
}

func envelopes(action domain.Action, obs domain.Observation) ([]domain.Envelope, error) {
	var envs []domain.Envelope
	if action != nil {
		env, err := domain.EncodeAction(action)
		if err != nil {
			return nil, err
		}
		if !env.IsNull() {
			envs = append(envs, env)
		}
	}
	if obs != nil {
		env, err := domain.EncodeObservation(obs)
		if err != nil {
			return nil, err
		}
		if !env.IsNull() {
			envs = append(envs, env)
		}
	}
	return envs, nil
}

func (s *Session) persist(ctx context.Context, args initializeArgs) {
	s.mu.Lock()
	first := !s.recorded
	s.recorded = true
	s.mu.Unlock()

	if !first {
		s.setStatus(ctx, "", store.StatusInitialized)
		return
	}
	err := s.srv.store.CreateSession(ctx, &store.Session{
		ID:    s.id,
		Agent: args.Agent,
		Model: args.Model,
		Image: args.ContainerImage,
	})
	if err != nil {
		s.logger.Error("Failed to create session record", "error", err)
	}
}

func (s *Session) setStatus(ctx context.Context, task, status string) {
	s.mu.Lock()
	recorded := s.recorded
	s.mu.Unlock()
	if !recorded {
		return
	}
	if err := s.srv.store.UpdateSession(context.WithoutCancel(ctx), s.id, task, status); err != nil {
		s.logger.Error("Failed to update session", "status", status, "error", err)
	}
}

func (s *Session) reply(r Reply) {
	if err := s.write(r); err != nil {
		s.logger.Debug("Failed to write reply", "error", err)
	}
}

func (s *Session) replyError(msg string) {
	s.reply(Reply{Error: true, Message: msg})
}

// write serializes all writes to the connection.
func (s *Session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}
