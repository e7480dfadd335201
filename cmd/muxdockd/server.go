package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/g960059/muxdock/internal/config"
	"github.com/g960059/muxdock/internal/model"
	"github.com/g960059/muxdock/internal/recovery"
	"github.com/g960059/muxdock/internal/registry"
	"github.com/g960059/muxdock/internal/store"
)

type server struct {
	cfg      config.Config
	reg      *registry.Registry
	store    *store.Store
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File

	mu        sync.Mutex
	scanner   *recovery.Scanner
	recovered []recovery.Match
	orphans   []model.BackgroundSession
}

// discardSinks backs sessions opened through the API without an attached
// terminal; their output is dropped until a client provides a real sink.
type discardSinks struct{}

func (discardSinks) SinkFor(entityID, paneID string) io.Writer { return io.Discard }

func newServer(cfg config.Config, reg *registry.Registry, entityStore *store.Store) *server {
	mux := http.NewServeMux()
	s := &server{
		cfg:   cfg,
		reg:   reg,
		store: entityStore,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/open", s.openHandler)
	mux.HandleFunc("/v1/sessions/close", s.closeHandler)
	mux.HandleFunc("/v1/sessions/restart", s.restartHandler)
	mux.HandleFunc("/v1/recovery", s.recoveryHandler)
	mux.HandleFunc("/v1/recovery/resolve", s.resolveHandler)
	return s
}

// setScanner installs the recovery scanner once the composition root has
// built it; the scanner in turn reports back through recordRecovered.
func (s *server) setScanner(sc *recovery.Scanner) {
	s.mu.Lock()
	s.scanner = sc
	s.mu.Unlock()
}

func (s *server) recordRecovered(_ context.Context, ent model.Entity, session model.BackgroundSession) error {
	s.mu.Lock()
	s.recovered = append(s.recovered, recovery.Match{Session: session, Entity: ent})
	s.mu.Unlock()
	return nil
}

func (s *server) setOrphans(orphans []model.BackgroundSession) {
	s.mu.Lock()
	s.orphans = orphans
	s.mu.Unlock()
}

func (s *server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock()
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock()
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock()
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	errCh := make(chan error, 1)
	go func() {
		if serveErr := s.httpSrv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		_ = os.Remove(s.cfg.SocketPath)
		s.releaseLock()
		return ctx.Err()
	case err := <-errCh:
		_ = os.Remove(s.cfg.SocketPath)
		s.releaseLock()
		return err
	}
}

func (s *server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("another muxdockd holds %s: %w", lockPath, err)
	}
	s.lockFile = f
	return nil
}

func (s *server) releaseLock() {
	if s.lockFile == nil {
		return
	}
	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	_ = s.lockFile.Close()
	s.lockFile = nil
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type sessionView struct {
	EntityID   string `json:"entity_id"`
	Backend    string `json:"backend"`
	Running    bool   `json:"running"`
	WorkingDir string `json:"working_dir"`
	ActivePane string `json:"active_pane,omitempty"`
	Processing bool   `json:"processing"`
}

func (s *server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sessions := s.reg.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView{
			EntityID:   session.EntityID(),
			Backend:    string(session.Backend()),
			Running:    session.IsRunning(),
			WorkingDir: session.WorkingDir(),
			ActivePane: session.ActivePane(),
			Processing: s.reg.IsProcessing(session.EntityID(), s.cfg.ProcessingThreshold),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].EntityID < views[j].EntityID })
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *server) recoveryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.mu.Lock()
	recovered := append([]recovery.Match(nil), s.recovered...)
	orphans := append([]model.BackgroundSession(nil), s.orphans...)
	s.mu.Unlock()

	type recoveredView struct {
		SessionName string `json:"session_name"`
		EntityID    string `json:"entity_id"`
	}
	recoveredViews := make([]recoveredView, 0, len(recovered))
	for _, m := range recovered {
		recoveredViews = append(recoveredViews, recoveredView{SessionName: m.Session.Name, EntityID: m.Entity.ID})
	}
	orphanNames := make([]string, 0, len(orphans))
	for _, o := range orphans {
		orphanNames = append(orphanNames, o.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recovered": recoveredViews,
		"orphans":   orphanNames,
	})
}

type entityRequest struct {
	EntityID       string `json:"entity_id"`
	KillBackground bool   `json:"kill_background,omitempty"`
}

func decodeEntityRequest(w http.ResponseWriter, r *http.Request) (entityRequest, bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return entityRequest{}, false
	}
	var req entityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntityID == "" {
		writeError(w, http.StatusBadRequest, model.ErrCommandFailed, "entity_id required")
		return entityRequest{}, false
	}
	return req, true
}

func (s *server) openHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEntityRequest(w, r)
	if !ok {
		return
	}
	session, err := s.reg.GetOrCreate(r.Context(), req.EntityID, discardSinks{})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, model.ErrEntityNotFound, err.Error())
		case errors.Is(err, registry.ErrLaunch):
			writeError(w, http.StatusBadGateway, model.ErrLaunchFailed, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, model.ErrCommandFailed, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, sessionView{
		EntityID:   session.EntityID(),
		Backend:    string(session.Backend()),
		Running:    session.IsRunning(),
		WorkingDir: session.WorkingDir(),
		ActivePane: session.ActivePane(),
	})
}

func (s *server) closeHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEntityRequest(w, r)
	if !ok {
		return
	}
	if s.reg.Get(req.EntityID) == nil {
		writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "no session for entity")
		return
	}
	s.reg.Remove(r.Context(), req.EntityID, req.KillBackground)
	writeJSON(w, http.StatusOK, map[string]any{"closed": req.EntityID})
}

func (s *server) restartHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEntityRequest(w, r)
	if !ok {
		return
	}
	if s.reg.Get(req.EntityID) == nil {
		writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "no session for entity")
		return
	}
	s.reg.Restart(req.EntityID)
	writeJSON(w, http.StatusOK, map[string]any{"restart_pending": req.EntityID})
}

// resolveHandler recovers one orphaned session by name, restoring or
// synthesizing its entity.
func (s *server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		SessionName string `json:"session_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionName == "" {
		writeError(w, http.StatusBadRequest, model.ErrCommandFailed, "session_name required")
		return
	}
	s.mu.Lock()
	scanner := s.scanner
	// Copy by value: the orphan list is compacted under the lock while
	// ResolveOrphan runs outside it.
	var target model.BackgroundSession
	found := false
	for _, o := range s.orphans {
		if o.Name == req.SessionName {
			target = o
			found = true
			break
		}
	}
	s.mu.Unlock()
	if scanner == nil || !s.cfg.MuxEnabled {
		writeError(w, http.StatusServiceUnavailable, model.ErrMuxUnavailable, "multiplexer disabled")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "unknown orphan session")
		return
	}
	ent, err := scanner.ResolveOrphan(r.Context(), target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrCommandFailed, err.Error())
		return
	}
	s.mu.Lock()
	remaining := make([]model.BackgroundSession, 0, len(s.orphans))
	for _, o := range s.orphans {
		if o.Name != req.SessionName {
			remaining = append(remaining, o)
		}
	}
	s.orphans = remaining
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": ent.ID, "title": ent.Title})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": code, "message": message})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
