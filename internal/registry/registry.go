// Package registry is the single authority mapping entity ids to active
// sessions. All session table mutations go through it; correctness of the
// exit path rests on strict remove-before-terminate ordering rather than on
// coordination with process reapers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/g960059/muxdock/internal/config"
	"github.com/g960059/muxdock/internal/control"
	"github.com/g960059/muxdock/internal/launch"
	"github.com/g960059/muxdock/internal/logging"
	"github.com/g960059/muxdock/internal/model"
	"github.com/g960059/muxdock/internal/mux"
	"github.com/g960059/muxdock/internal/secret"
	"github.com/g960059/muxdock/internal/shellenv"
)

var (
	errSessionNotRunning = errors.New("session not running")
	errNotControlBackend = errors.New("operation requires control backend")

	// ErrLaunch marks failures to start a session's process or control
	// connection, so API layers can classify them.
	ErrLaunch = errors.New("session launch failed")
)

// EntityProvider is the narrow surface of the persistence collaborator the
// registry consumes. The registry never writes entity business fields.
type EntityProvider interface {
	Entity(ctx context.Context, id string) (model.Entity, error)
	ClearNeedsMux(ctx context.Context, id string) error
}

// ProcHandle abstracts a launched child process so tests can substitute a
// fake without spawning shells.
type ProcHandle interface {
	Pid() int
	Done() <-chan struct{}
	Running() bool
	Write(data []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
}

// Launcher starts child processes. The default implementation spawns on a
// pty via the launch package.
type Launcher interface {
	Start(in launch.StartInput) (ProcHandle, error)
}

type osLauncher struct{}

func (osLauncher) Start(in launch.StartInput) (ProcHandle, error) {
	return launch.Start(in)
}

// Registry owns every active session. It is constructed explicitly by the
// composition root and threaded through to callers; there is no ambient
// singleton.
type Registry struct {
	cfg      config.Config
	muxMgr   *mux.Manager
	entities EntityProvider
	secrets  secret.Resolver
	launcher Launcher
	log      *logrus.Entry

	dialControl func(ctx context.Context, sessionName string, sink control.SinkFunc) (*control.Client, error)

	mu         sync.Mutex
	sessions   map[string]*Session
	globalVars []model.EnvVar
	inherited  func() []string
}

func New(cfg config.Config, muxMgr *mux.Manager, entities EntityProvider, secrets secret.Resolver) *Registry {
	r := &Registry{
		cfg:      cfg,
		muxMgr:   muxMgr,
		entities: entities,
		secrets:  secrets,
		launcher: osLauncher{},
		log:      logging.Component("registry"),
		sessions: map[string]*Session{},
	}
	r.dialControl = func(ctx context.Context, sessionName string, sink control.SinkFunc) (*control.Client, error) {
		client := control.NewClient(cfg.MuxBinary, sessionName, sink)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
	return r
}

// SetLauncher overrides process launching; used by tests.
func (r *Registry) SetLauncher(l Launcher) { r.launcher = l }

// SetGlobalVars installs the global-scope user environment variables
// applied to every session before entity-scoped ones.
func (r *Registry) SetGlobalVars(vars []model.EnvVar) {
	r.mu.Lock()
	r.globalVars = append([]model.EnvVar(nil), vars...)
	r.mu.Unlock()
}

// SetInheritedEnv overrides the process-inherited environment source; used
// by tests. nil restores os.Environ.
func (r *Registry) SetInheritedEnv(fn func() []string) {
	r.mu.Lock()
	r.inherited = fn
	r.mu.Unlock()
}

// Get returns the session for an entity, or nil.
func (r *Registry) Get(entityID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[entityID]
}

// Sessions returns a snapshot of all active sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// OpenEntityIDs reports which entities currently have a session; the
// recovery scanner uses it to skip sessions already in use.
func (r *Registry) OpenEntityIDs() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.sessions))
	for id := range r.sessions {
		out[id] = struct{}{}
	}
	return out
}

// GetOrCreate returns the entity's running session, creating one when none
// exists. Reuse is idempotent: a running, non-restart-pending session only
// has its sinks updated. A pending restart triggers a full teardown before
// recreation, so no two sessions for the same entity ever coexist.
func (r *Registry) GetOrCreate(ctx context.Context, entityID string, sinks SinkProvider) (*Session, error) {
	r.mu.Lock()
	existing := r.sessions[entityID]
	r.mu.Unlock()
	if existing != nil {
		if existing.IsRunning() && !existing.PendingRestart() {
			existing.setSinks(sinks)
			return existing, nil
		}
		// Stale or restart-pending: tear down completely before recreating.
		r.mu.Lock()
		delete(r.sessions, entityID)
		r.mu.Unlock()
		r.teardown(ctx, existing, teardownOptions{graceful: false})
	}

	ent, err := r.entities.Entity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("load entity %s: %w", entityID, err)
	}

	backend := ent.Backend
	if !model.KnownBackend(backend) {
		backend = model.BackendDirect
	}
	if backend != model.BackendDirect && !r.muxMgr.Available() {
		r.log.WithFields(logrus.Fields{"entity": entityID, "requested": string(backend)}).
			Debug("multiplexer unavailable, demoting to direct backend")
		backend = model.BackendDirect
	}

	s := &Session{
		entityID:     entityID,
		backend:      backend,
		workingDir:   ent.WorkingDir,
		lastActivity: time.Now(),
		sinks:        sinks,
		events:       make(chan model.SessionEvent, sessionEventBuffer),
	}

	env := shellenv.Build(ctx, shellenv.BuildInput{
		Inherited:  r.inheritedEnv(),
		Entity:     ent,
		Backend:    backend,
		GlobalVars: r.currentGlobalVars(),
		Secrets:    r.secrets,
	})
	if r.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		secretKeys := make(map[string]struct{})
		for _, v := range ent.EnvVars {
			if v.Secret {
				secretKeys[v.Key] = struct{}{}
			}
		}
		r.log.WithFields(logrus.Fields{
			"entity": entityID,
			"env":    secret.MaskEnv(env, secretKeys),
		}).Debug("session environment built")
	}
	shellPath := strings.TrimSpace(ent.ShellPath)
	if shellPath == "" {
		shellPath = "/bin/bash"
	}

	switch backend {
	case model.BackendDirect:
		proc, startErr := r.launcher.Start(launch.StartInput{
			Argv:       shellenv.DirectCommand(shellPath, ent.WorkingDir),
			WorkingDir: ent.WorkingDir,
			Env:        env,
			Sink:       &outputWriter{session: s},
		})
		if startErr != nil {
			return nil, fmt.Errorf("start direct session: %w: %w", ErrLaunch, startErr)
		}
		s.proc = proc
		s.pid = proc.Pid()
		s.running = true
		go r.watchProcess(s, proc)

	case model.BackendAttach:
		s.sessionName = r.muxMgr.SessionName(entityID)
		if ensureErr := r.ensureBackground(ctx, ent, s.sessionName, shellPath, env); ensureErr != nil {
			return nil, ensureErr
		}
		proc, startErr := r.launcher.Start(launch.StartInput{
			Argv:       []string{r.cfg.MuxBinary, "attach-session", "-t", s.sessionName},
			WorkingDir: ent.WorkingDir,
			Env:        shellenv.Filter(r.inheritedEnv(), "TMUX", "TMUX_PANE"),
			Sink:       &outputWriter{session: s},
		})
		if startErr != nil {
			return nil, fmt.Errorf("attach session %s: %w: %w", s.sessionName, ErrLaunch, startErr)
		}
		s.proc = proc
		s.pid = proc.Pid()
		s.running = true
		go r.watchProcess(s, proc)

	case model.BackendControl:
		s.sessionName = r.muxMgr.SessionName(entityID)
		if ensureErr := r.ensureBackground(ctx, ent, s.sessionName, shellPath, env); ensureErr != nil {
			return nil, ensureErr
		}
		client, dialErr := r.dialControl(ctx, s.sessionName, func(paneID string) io.Writer {
			return &outputWriter{session: s, paneID: paneID}
		})
		if dialErr != nil {
			return nil, fmt.Errorf("connect control mode %s: %w: %w", s.sessionName, ErrLaunch, dialErr)
		}
		s.client = client
		s.running = true
		go r.pumpControl(s, client)
	}

	r.mu.Lock()
	if _, dup := r.sessions[entityID]; dup {
		// A concurrent create won; keep the registered one.
		r.mu.Unlock()
		r.teardown(ctx, s, teardownOptions{graceful: false})
		return r.Get(entityID), nil
	}
	r.sessions[entityID] = s
	r.mu.Unlock()

	r.scheduleInitCommand(s, ent)
	r.log.WithFields(logrus.Fields{"entity": entityID, "backend": string(backend)}).Info("session created")
	return s, nil
}

func (r *Registry) ensureBackground(ctx context.Context, ent model.Entity, name, shellPath string, env []string) error {
	err := r.muxMgr.Ensure(ctx, mux.CreateInput{
		Name:       name,
		WorkingDir: ent.WorkingDir,
		ShellPath:  shellPath,
		Env:        env,
	})
	if err != nil {
		return fmt.Errorf("ensure background session: %w", err)
	}
	if ent.NeedsMux {
		if clearErr := r.entities.ClearNeedsMux(ctx, ent.ID); clearErr != nil {
			r.log.WithError(clearErr).WithField("entity", ent.ID).Warn("clear needs-session flag failed")
		}
	}
	return nil
}

// Remove tears a session down. The registry entry is removed strictly
// before any termination signal so that a late exit notification finds no
// entry and is ignored instead of hitting a reused slot.
func (r *Registry) Remove(ctx context.Context, entityID string, killBackground bool) {
	r.mu.Lock()
	s := r.sessions[entityID]
	if s == nil {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, entityID)
	r.mu.Unlock()
	r.teardown(ctx, s, teardownOptions{graceful: true, killBackground: killBackground})
}

// Kill forcefully terminates a session: SIGKILL for direct processes, an
// outright background-session destroy for multiplexer backends.
func (r *Registry) Kill(ctx context.Context, entityID string) {
	r.mu.Lock()
	s := r.sessions[entityID]
	if s == nil {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, entityID)
	r.mu.Unlock()
	r.teardown(ctx, s, teardownOptions{graceful: false, killBackground: true})
}

// Restart marks the session for restart and returns immediately. Actual
// teardown happens on the next GetOrCreate, decoupling view lifecycle from
// process lifecycle.
func (r *Registry) Restart(entityID string) {
	r.mu.Lock()
	s := r.sessions[entityID]
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.pendingRestart = true
	s.mu.Unlock()
}

type teardownOptions struct {
	graceful       bool
	killBackground bool
}

func (r *Registry) teardown(ctx context.Context, s *Session, opts teardownOptions) {
	s.mu.Lock()
	client := s.client
	proc := s.proc
	s.client = nil
	s.activePane = ""
	s.mu.Unlock()

	// Control client disconnect is synchronous and always happens first.
	if client != nil {
		client.Disconnect()
	}

	switch s.backend {
	case model.BackendDirect:
		if proc != nil {
			if opts.graceful {
				if _, err := proc.Write([]byte("exit\n")); err != nil {
					_ = proc.Kill()
				}
			} else {
				_ = proc.Kill()
			}
		}
	case model.BackendAttach:
		// Killing the local attach client detaches; the background session
		// keeps running unless explicitly destroyed below.
		if proc != nil {
			_ = proc.Kill()
		}
		if opts.killBackground && s.sessionName != "" {
			if err := r.muxMgr.Kill(ctx, s.sessionName); err != nil {
				r.log.WithError(err).WithField("session", s.sessionName).Warn("kill background session failed")
			}
		}
	case model.BackendControl:
		if opts.killBackground && s.sessionName != "" {
			if err := r.muxMgr.Kill(ctx, s.sessionName); err != nil {
				r.log.WithError(err).WithField("session", s.sessionName).Warn("kill background session failed")
			}
		}
	}
	s.markStopped()
}

func (r *Registry) watchProcess(s *Session, proc ProcHandle) {
	<-proc.Done()
	r.handleProcessExit(s.entityID, proc.Pid())
}

// handleProcessExit delivers an asynchronous exit. A lookup miss means the
// session was removed before the signal arrived; the event is dropped so it
// cannot be misrouted to a reused slot.
func (r *Registry) handleProcessExit(entityID string, pid int) {
	r.mu.Lock()
	s := r.sessions[entityID]
	r.mu.Unlock()
	if s == nil {
		return
	}
	if s.Pid() != pid {
		return
	}
	s.markStopped()
	s.emit(model.EventExit, "")
}

func (r *Registry) pumpControl(s *Session, client *control.Client) {
	for {
		select {
		case n := <-client.Notifications():
			r.handleControlNotification(s, n)
		case <-client.Done():
			for {
				select {
				case n := <-client.Notifications():
					r.handleControlNotification(s, n)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) handleControlNotification(s *Session, n control.Notification) {
	switch n.Kind {
	case control.NotifyLayoutChanged:
		s.mu.Lock()
		for _, pane := range n.Panes {
			if pane.Active {
				s.activePane = pane.ID
			}
		}
		s.mu.Unlock()
		s.emit(model.EventLayoutChanged, "")
	case control.NotifyWindowAdded:
		s.emit(model.EventWindowAdded, "")
	case control.NotifyWindowClosed:
		s.emit(model.EventWindowClosed, "")
	case control.NotifyActivePane:
		s.mu.Lock()
		s.activePane = n.PaneID
		s.mu.Unlock()
		s.emit(model.EventActivePane, n.PaneID)
	case control.NotifyExited:
		// Exit marks the session not-running; removal stays the registry
		// caller's responsibility.
		r.mu.Lock()
		current := r.sessions[s.entityID]
		r.mu.Unlock()
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
		s.markStopped()
		if current == s {
			s.emit(model.EventExit, "")
		}
	case control.NotifyOutput:
		// Activity accounting happens in the output sink wrapper.
	}
}

func (r *Registry) scheduleInitCommand(s *Session, ent model.Entity) {
	command := strings.TrimSpace(ent.InitCommand)
	if command == "" {
		return
	}
	expanded := shellenv.SubstituteInitTokens(command, ent.WorkingDir, ent.ID)
	delay := r.cfg.InitDelayDirect
	if s.backend != model.BackendDirect {
		// Multiplexer backends need time to create and attach first.
		delay = r.cfg.InitDelayMux
	}
	time.AfterFunc(delay, func() {
		r.mu.Lock()
		current := r.sessions[s.entityID]
		r.mu.Unlock()
		if current != s || !s.IsRunning() {
			return
		}
		switch s.backend {
		case model.BackendDirect:
			s.mu.Lock()
			proc := s.proc
			s.mu.Unlock()
			if proc != nil {
				if _, err := proc.Write([]byte(expanded + "\n")); err != nil {
					r.log.WithError(err).WithField("entity", s.entityID).Warn("init command write failed")
				}
			}
		case model.BackendAttach, model.BackendControl:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
			defer cancel()
			if err := r.muxMgr.SendKeys(ctx, s.sessionName, expanded); err != nil {
				r.log.WithError(err).WithField("entity", s.entityID).Warn("init command send failed")
			}
		}
	})
}

// UpdateActivity bumps the activity clock for observed keystrokes.
func (r *Registry) UpdateActivity(entityID string) {
	if s := r.Get(entityID); s != nil {
		s.markActivity()
	}
}

// IsProcessing reports whether the session produced output within the
// threshold. Presentation-only busy signal, not a correctness mechanism.
func (r *Registry) IsProcessing(entityID string, threshold time.Duration) bool {
	s := r.Get(entityID)
	if s == nil || !s.IsRunning() {
		return false
	}
	return time.Since(s.LastActivity()) <= threshold
}

// ProcessingSet returns the ids of all sessions active within the threshold.
func (r *Registry) ProcessingSet(threshold time.Duration) []string {
	out := make([]string, 0)
	for _, s := range r.Sessions() {
		if s.IsRunning() && time.Since(s.LastActivity()) <= threshold {
			out = append(out, s.EntityID())
		}
	}
	return out
}

func (r *Registry) currentGlobalVars() []model.EnvVar {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.globalVars
}

func (r *Registry) inheritedEnv() []string {
	r.mu.Lock()
	fn := r.inherited
	r.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return os.Environ()
}
