package mux

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/g960059/muxdock/internal/config"
	"github.com/g960059/muxdock/internal/logging"
	"github.com/g960059/muxdock/internal/model"
	"github.com/g960059/muxdock/internal/shellenv"
)

// idPrefixLen is the number of leading entity-id characters encoded into a
// background session name for recovery matching.
const idPrefixLen = 8

// Variables the multiplexer manages itself; they are stripped from
// new-session environment arguments and from attach process environments.
var managedEnvKeys = []string{"TERM", "TMUX", "TMUX_PANE"}

// defaultSessionOptions are applied to every session muxdock creates.
var defaultSessionOptions = [][2]string{
	{"status", "off"},
	{"mouse", "on"},
	{"default-terminal", "xterm-256color"},
	{"escape-time", "10"},
	{"allow-passthrough", "off"},
}

// Manager owns session-level multiplexer operations and the naming
// convention that makes background sessions reverse-mappable to entities.
type Manager struct {
	cfg  config.Config
	exec *Executor
	log  *logrus.Entry
}

func NewManager(cfg config.Config, exec *Executor) *Manager {
	return &Manager{cfg: cfg, exec: exec, log: logging.Component("mux")}
}

func (m *Manager) Executor() *Executor { return m.exec }

func (m *Manager) Available() bool { return m.exec.Available() }

// SessionName derives the background session name for an entity.
func (m *Manager) SessionName(entityID string) string {
	return m.cfg.SessionPrefix + entityID
}

// OwnsSession reports whether a session name follows the muxdock convention.
func (m *Manager) OwnsSession(name string) bool {
	return strings.HasPrefix(name, m.cfg.SessionPrefix)
}

// IDPrefixFromName extracts the short entity-id prefix encoded in a session
// name, or "" when the name is not one of ours.
func (m *Manager) IDPrefixFromName(name string) string {
	if !m.OwnsSession(name) {
		return ""
	}
	rest := strings.TrimPrefix(name, m.cfg.SessionPrefix)
	if len(rest) > idPrefixLen {
		rest = rest[:idPrefixLen]
	}
	return rest
}

func (m *Manager) Has(ctx context.Context, name string) bool {
	_, err := m.exec.Run(ctx, "has-session", "-t", name)
	return err == nil
}

// CreateInput describes a background session to create.
type CreateInput struct {
	Name       string
	WorkingDir string
	ShellPath  string
	Env        []string
}

// Ensure creates the named detached session if it does not already exist and
// applies the default option set to it.
func (m *Manager) Ensure(ctx context.Context, in CreateInput) error {
	if m.Has(ctx, in.Name) {
		return nil
	}
	args := []string{"new-session", "-d", "-s", in.Name, "-c", in.WorkingDir}
	for _, entry := range shellenv.Filter(in.Env, managedEnvKeys...) {
		args = append(args, "-e", entry)
	}
	args = append(args, in.ShellPath, "-l")
	if _, err := m.exec.Run(ctx, args...); err != nil {
		return fmt.Errorf("create session %s: %w", in.Name, err)
	}
	for _, opt := range defaultSessionOptions {
		if _, err := m.exec.Run(ctx, "set-option", "-t", in.Name, opt[0], opt[1]); err != nil {
			m.log.WithError(err).WithField("option", opt[0]).Warn("set session option failed")
		}
	}
	return nil
}

// Kill destroys the named background session.
func (m *Manager) Kill(ctx context.Context, name string) error {
	if _, err := m.exec.Run(ctx, "kill-session", "-t", name); err != nil {
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	return nil
}

// SendKeys types text into the named session followed by Enter.
func (m *Manager) SendKeys(ctx context.Context, name, text string) error {
	if _, err := m.exec.Run(ctx, "send-keys", "-t", name, "-l", text); err != nil {
		return fmt.Errorf("send keys to %s: %w", name, err)
	}
	if _, err := m.exec.Run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("send enter to %s: %w", name, err)
	}
	return nil
}

// List returns all background sessions owned by muxdock.
func (m *Manager) List(ctx context.Context) ([]model.BackgroundSession, error) {
	res, err := m.exec.Run(ctx, "list-sessions", "-F", JoinFormat(
		"#{session_name}",
		"#{session_attached}",
		"#{session_created}",
		"#{session_path}",
	))
	if err != nil {
		// No server running means no sessions, not a failure.
		if strings.Contains(res.Output, "no server running") {
			return nil, nil
		}
		return nil, err
	}
	return parseListSessionsOutput(m.cfg.SessionPrefix, res.Output), nil
}

// ShowEnvironmentAll dumps the named session's environment. Used by the
// recovery scanner to pull descriptive metadata out of orphaned sessions.
func (m *Manager) ShowEnvironmentAll(ctx context.Context, name string) map[string]string {
	res, err := m.exec.Run(ctx, "show-environment", "-t", name)
	if err != nil {
		return nil
	}
	out := map[string]string{}
	s := bufio.NewScanner(strings.NewReader(res.Output))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}
		out[line[:idx]] = line[idx+1:]
	}
	return out
}

// ShowEnvironment reads one variable from the named session's environment.
func (m *Manager) ShowEnvironment(ctx context.Context, name, key string) (string, bool) {
	res, err := m.exec.Run(ctx, "show-environment", "-t", name, key)
	if err != nil {
		return "", false
	}
	line := strings.TrimSpace(res.Output)
	if !strings.HasPrefix(line, key+"=") {
		return "", false
	}
	return strings.TrimPrefix(line, key+"="), true
}

func parseListSessionsOutput(prefix, output string) []model.BackgroundSession {
	sessions := make([]model.BackgroundSession, 0)
	s := bufio.NewScanner(strings.NewReader(output))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := SplitLine(line, 4)
		if len(parts) < 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		session := model.BackgroundSession{
			Name:     name,
			Attached: strings.TrimSpace(parts[1]) != "0" && strings.TrimSpace(parts[1]) != "",
		}
		rest := strings.TrimPrefix(name, prefix)
		if len(rest) > idPrefixLen {
			rest = rest[:idPrefixLen]
		}
		session.IDPrefix = rest
		if len(parts) >= 3 {
			if epoch, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64); err == nil && epoch > 0 {
				session.CreatedAt = time.Unix(epoch, 0).UTC()
			}
		}
		if len(parts) >= 4 {
			session.WorkingDir = strings.TrimSpace(parts[3])
		}
		sessions = append(sessions, session)
	}
	return sessions
}
