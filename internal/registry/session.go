package registry

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/g960059/muxdock/internal/control"
	"github.com/g960059/muxdock/internal/model"
)

const sessionEventBuffer = 64

// SinkProvider resolves the externally-owned terminal emulator for a pane.
// Direct and attach backends use paneID == "".
type SinkProvider interface {
	SinkFor(entityID, paneID string) io.Writer
}

// Session binds one entity to at most one running process and, for the
// control backend, one control-mode client. The registry is the only
// component that creates or removes sessions.
type Session struct {
	entityID    string
	backend     model.BackendKind
	sessionName string

	mu             sync.Mutex
	running        bool
	pendingRestart bool
	workingDir     string
	lastActivity   time.Time
	pid            int
	proc           ProcHandle
	client         *control.Client
	activePane     string
	sinks          SinkProvider
	events         chan model.SessionEvent
}

func (s *Session) EntityID() string           { return s.entityID }
func (s *Session) Backend() model.BackendKind { return s.backend }

// Events carries exit/bell/activity/layout events to the presentation
// layer. The channel is buffered and never blocks the core.
func (s *Session) Events() <-chan model.SessionEvent { return s.events }

func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) PendingRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingRestart
}

// WorkingDir is the last directory reported by the shell, falling back to
// the directory the session was launched in.
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// ActivePane returns the multiplexer-assigned id of the active pane, or ""
// for non-control backends.
func (s *Session) ActivePane() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePane
}

// Panes returns the control client's pane table; empty for other backends.
func (s *Session) Panes() []control.Pane {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Panes()
}

// Write feeds keystrokes to the session's terminal.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	proc := s.proc
	client := s.client
	active := s.activePane
	s.lastActivity = time.Now()
	s.mu.Unlock()

	switch s.backend {
	case model.BackendDirect, model.BackendAttach:
		if proc == nil {
			return errSessionNotRunning
		}
		_, err := proc.Write(data)
		return err
	case model.BackendControl:
		if client == nil {
			return errSessionNotRunning
		}
		return client.SendKeys(active, data)
	default:
		return errSessionNotRunning
	}
}

// Resize adjusts the local pty for direct and attach backends.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return errSessionNotRunning
	}
	return proc.Resize(cols, rows)
}

// SplitPane splits the active pane; control backend only.
func (s *Session) SplitPane(horizontal bool) error {
	client, err := s.controlClient()
	if err != nil {
		return err
	}
	return client.SplitPane(horizontal)
}

// ClosePane closes the active pane; control backend only.
func (s *Session) ClosePane() error {
	client, err := s.controlClient()
	if err != nil {
		return err
	}
	return client.CloseActivePane()
}

// ToggleZoom zooms the active pane; control backend only.
func (s *Session) ToggleZoom() error {
	client, err := s.controlClient()
	if err != nil {
		return err
	}
	return client.ToggleZoom()
}

// SelectPaneDirection moves pane focus; control backend only.
func (s *Session) SelectPaneDirection(dir control.SelectDirection) error {
	client, err := s.controlClient()
	if err != nil {
		return err
	}
	return client.SelectPaneDirection(dir)
}

// SelectPane focuses an explicit pane id; control backend only.
func (s *Session) SelectPane(paneID string) error {
	client, err := s.controlClient()
	if err != nil {
		return err
	}
	return client.SelectPane(paneID)
}

func (s *Session) controlClient() (*control.Client, error) {
	if s.backend != model.BackendControl {
		return nil, errNotControlBackend
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, control.ErrNotConnected
	}
	return client, nil
}

func (s *Session) setSinks(sinks SinkProvider) {
	s.mu.Lock()
	s.sinks = sinks
	s.mu.Unlock()
}

func (s *Session) sinkFor(paneID string) io.Writer {
	s.mu.Lock()
	sinks := s.sinks
	s.mu.Unlock()
	if sinks == nil {
		return nil
	}
	return sinks.SinkFor(s.entityID, paneID)
}

func (s *Session) markActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Session) emit(eventType model.SessionEventType, paneID string) {
	event := model.SessionEvent{
		Type:     eventType,
		EntityID: s.entityID,
		PaneID:   paneID,
		At:       time.Now(),
	}
	select {
	case s.events <- event:
	default:
	}
}

// outputWriter wraps an emulator sink for one pane: it bumps the session's
// activity clock, tracks directory-report escapes, surfaces bell events and
// forwards bytes unchanged.
type outputWriter struct {
	session *Session
	paneID  string
}

func (w *outputWriter) Write(p []byte) (int, error) {
	s := w.session
	s.markActivity()
	s.emit(model.EventActivity, w.paneID)
	if dir, ok := parseDirectoryReport(p); ok {
		s.mu.Lock()
		s.workingDir = dir
		s.mu.Unlock()
	} else if bytes.IndexByte(p, 0x07) >= 0 {
		s.emit(model.EventBell, w.paneID)
	}
	inner := s.sinkFor(w.paneID)
	if inner == nil {
		return len(p), nil
	}
	n, err := inner.Write(p)
	if err != nil {
		return len(p), nil
	}
	return n, err
}
