package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/g960059/muxdock/internal/logging"
	"github.com/g960059/muxdock/internal/shellenv"
)

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

const notificationBuffer = 256

var (
	ErrDisconnected = errors.New("control client disconnected")
	ErrNotConnected = errors.New("control client not connected")
)

// Pane is one entry of the client's pane table. Ids come exclusively from
// protocol events.
type Pane struct {
	ID     string
	Active bool
}

type NotificationKind string

const (
	NotifyLayoutChanged NotificationKind = "layout_changed"
	NotifyWindowAdded   NotificationKind = "window_added"
	NotifyWindowClosed  NotificationKind = "window_closed"
	NotifyActivePane    NotificationKind = "active_pane"
	NotifyOutput        NotificationKind = "output"
	NotifyExited        NotificationKind = "exited"
)

// Notification is a coarse-grained event relayed to the owning session.
type Notification struct {
	Kind     NotificationKind
	PaneID   string
	WindowID string
	Panes    []Pane
}

// SinkFunc resolves the externally-owned output sink for a pane. A nil
// writer means the pane is unknown and its output is discarded.
type SinkFunc func(paneID string) io.Writer

// SelectDirection names the four directional pane moves.
type SelectDirection string

const (
	SelectUp    SelectDirection = "-U"
	SelectDown  SelectDirection = "-D"
	SelectLeft  SelectDirection = "-L"
	SelectRight SelectDirection = "-R"
)

type pendingCommand struct {
	command string
	done    chan commandResult
}

type commandResult struct {
	lines []string
	err   error
}

// Client drives one control-mode connection to a named background session.
// It owns the connection exclusively; a client is never shared between
// sessions.
type Client struct {
	sessionName string
	muxBinary   string
	sink        SinkFunc
	log         *logrus.Entry

	mu            sync.Mutex
	state         ConnState
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	cancel        context.CancelFunc
	panes         map[string]struct{}
	paneOrder     []string
	activePane    string
	currentWindow string
	pending       []*pendingCommand
	inBlock       bool
	blockLines    []string

	ready         chan struct{}
	readyOnce     sync.Once
	done          chan struct{}
	doneOnce      sync.Once
	notifications chan Notification
}

func NewClient(muxBinary, sessionName string, sink SinkFunc) *Client {
	return &Client{
		sessionName:   sessionName,
		muxBinary:     muxBinary,
		sink:          sink,
		log:           logging.Component("control").WithField("session", sessionName),
		state:         StateDisconnected,
		panes:         map[string]struct{}{},
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		notifications: make(chan Notification, notificationBuffer),
	}
}

func (c *Client) SessionName() string { return c.sessionName }

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == StateConnected }

// Notifications delivers layout/window/pane/exit events to the owner. The
// channel is buffered; events are dropped rather than blocking the reader.
func (c *Client) Notifications() <-chan Notification { return c.notifications }

// Panes returns the current pane table with exactly one pane marked active
// whenever the table is non-empty.
func (c *Client) Panes() []Pane {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pane, 0, len(c.paneOrder))
	for _, id := range c.paneOrder {
		out = append(out, Pane{ID: id, Active: id == c.activePane})
	}
	return out
}

func (c *Client) ActivePane() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePane
}

// Connect starts the control-mode process against the background session and
// waits for the handshake to complete. The read loop keeps running until
// Disconnect or an exit notification.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect: client is %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, c.muxBinary, "-C", "attach-session", "-t", c.sessionName)
	cmd.Env = shellenv.Filter(os.Environ(), "TMUX", "TMUX_PANE")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		c.setState(StateDisconnected)
		return fmt.Errorf("control stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		c.setState(StateDisconnected)
		return fmt.Errorf("control stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		c.setState(StateDisconnected)
		return fmt.Errorf("start control mode: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(stdout)
	go func() {
		_ = cmd.Wait()
		c.teardown(true)
	}()

	select {
	case <-c.ready:
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	case <-runCtx.Done():
		return ErrDisconnected
	}
	if err := c.completeHandshake(); err != nil {
		return err
	}
	c.log.Debug("control mode connected")
	return nil
}

// completeHandshake flips Connecting to Connected. An exit that raced in
// during the handshake wins; the client stays disconnected.
func (c *Client) completeHandshake() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return ErrDisconnected
	}
	c.state = StateConnected
	return nil
}

// Disconnect stops the read loop immediately and fails all outstanding
// commands with a cancellation error.
func (c *Client) Disconnect() {
	c.teardown(false)
}

func (c *Client) setState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) teardown(notify bool) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	cancel := c.cancel
	stdin := c.stdin
	pending := c.pending
	c.pending = nil
	c.inBlock = false
	c.blockLines = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- commandResult{err: ErrDisconnected}
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if cancel != nil {
		cancel()
	}
	if notify {
		c.emit(Notification{Kind: NotifyExited})
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once the client has fully disconnected. Buffered
// notifications emitted before the disconnect remain readable.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			c.handleLine(line)
		}
		if err != nil {
			return
		}
	}
}

// handleLine classifies one protocol line and dispatches it. Malformed
// lines outside a response block are dropped.
func (c *Client) handleLine(raw string) {
	event, ok := parseEventLine(raw)
	if !ok {
		c.mu.Lock()
		if c.inBlock {
			c.blockLines = append(c.blockLines, strings.TrimRight(raw, "\r\n"))
		}
		c.mu.Unlock()
		return
	}
	switch event.Type {
	case eventOutput, eventExtendedOutput:
		c.deliverOutput(event.PaneID, event.Bytes)
	case eventLayoutChange:
		c.applyLayout(event.WindowID, event.LayoutRaw)
	case eventWindowAdd:
		c.emit(Notification{Kind: NotifyWindowAdded, WindowID: event.WindowID})
	case eventWindowClose:
		c.emit(Notification{Kind: NotifyWindowClosed, WindowID: event.WindowID})
	case eventPaneModeChanged:
		c.mu.Lock()
		c.activePane = event.PaneID
		c.mu.Unlock()
		c.emit(Notification{Kind: NotifyActivePane, PaneID: event.PaneID})
	case eventSessionChanged:
		c.readyOnce.Do(func() { close(c.ready) })
	case eventWindowChanged:
		c.mu.Lock()
		c.currentWindow = event.WindowID
		c.mu.Unlock()
	case eventExit:
		c.teardown(true)
	case eventBegin:
		c.mu.Lock()
		c.inBlock = true
		c.blockLines = nil
		c.mu.Unlock()
	case eventEnd:
		c.finishBlock(nil)
		// The initial attach block doubles as the handshake confirmation.
		c.readyOnce.Do(func() { close(c.ready) })
	case eventError:
		c.finishBlock(fmt.Errorf("command failed: %s", c.sessionName))
		c.readyOnce.Do(func() { close(c.ready) })
	}
}

func (c *Client) deliverOutput(paneID string, data []byte) {
	if c.sink == nil {
		return
	}
	w := c.sink(paneID)
	if w == nil {
		// The pane may have closed between notification and delivery.
		return
	}
	_, _ = w.Write(data)
	c.emit(Notification{Kind: NotifyOutput, PaneID: paneID})
}

// applyLayout re-derives the pane table from the current window's layout.
// The layout notification, not any command response, is the source of truth
// for pane membership. Layouts of background windows are ignored.
func (c *Client) applyLayout(windowID, layoutRaw string) {
	ids := parseLayoutPaneIDs(layoutRaw)
	c.mu.Lock()
	if c.currentWindow == "" {
		// The first layout identifies the session's window when no
		// %session-window-changed preceded it.
		c.currentWindow = windowID
	} else if windowID != c.currentWindow {
		c.mu.Unlock()
		return
	}
	next := make(map[string]struct{}, len(ids))
	order := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := next[id]; dup {
			continue
		}
		next[id] = struct{}{}
		order = append(order, id)
	}
	c.panes = next
	c.paneOrder = order
	if _, stillThere := next[c.activePane]; !stillThere {
		c.activePane = ""
		if len(order) > 0 {
			c.activePane = order[0]
		}
	}
	panes := make([]Pane, 0, len(order))
	for _, id := range order {
		panes = append(panes, Pane{ID: id, Active: id == c.activePane})
	}
	c.mu.Unlock()
	c.emit(Notification{Kind: NotifyLayoutChanged, WindowID: windowID, Panes: panes})
}

func (c *Client) finishBlock(blockErr error) {
	c.mu.Lock()
	lines := c.blockLines
	c.inBlock = false
	c.blockLines = nil
	var oldest *pendingCommand
	if len(c.pending) > 0 {
		oldest = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()
	if oldest == nil {
		// Unsolicited block (e.g. the attach banner); nothing to resolve.
		return
	}
	if blockErr != nil {
		oldest.done <- commandResult{err: fmt.Errorf("%s: %w", oldest.command, blockErr)}
		return
	}
	oldest.done <- commandResult{lines: lines}
}

func (c *Client) emit(n Notification) {
	select {
	case c.notifications <- n:
	default:
		c.log.WithField("kind", string(n.Kind)).Warn("notification dropped: buffer full")
	}
}

// send enqueues a command for response correlation and writes it to the
// control channel.
func (c *Client) send(command string) (*pendingCommand, error) {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateConnecting {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	stdin := c.stdin
	p := &pendingCommand{command: command, done: make(chan commandResult, 1)}
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	if stdin == nil {
		c.dropPending(p)
		return nil, ErrNotConnected
	}
	if _, err := io.WriteString(stdin, command+"\n"); err != nil {
		c.dropPending(p)
		c.teardown(false)
		return nil, fmt.Errorf("write command: %w", err)
	}
	return p, nil
}

func (c *Client) dropPending(p *pendingCommand) {
	c.mu.Lock()
	for i, cand := range c.pending {
		if cand == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Send issues a command without waiting for its response block. A later
// error block resolves against the command but only surfaces in logs; the
// resulting layout notification carries the actual state change.
func (c *Client) Send(command string) error {
	p, err := c.send(command)
	if err != nil {
		return err
	}
	go func() {
		result := <-p.done
		if result.err != nil && !errors.Is(result.err, ErrDisconnected) {
			c.log.WithError(result.err).Warn("control command failed")
		}
	}()
	return nil
}

// Execute issues a command and waits for its correlated response block.
func (c *Client) Execute(ctx context.Context, command string) ([]string, error) {
	p, err := c.send(command)
	if err != nil {
		return nil, err
	}
	select {
	case result := <-p.done:
		return result.lines, result.err
	case <-ctx.Done():
		c.dropPending(p)
		return nil, ctx.Err()
	}
}

// SendKeys types raw bytes into the target pane, or the active pane when
// target is empty. Bytes travel hex encoded so newlines in the payload
// cannot terminate the command line on the line-oriented control channel.
func (c *Client) SendKeys(target string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return c.Send(sendKeysCommand(target, data))
}

func sendKeysCommand(target string, data []byte) string {
	var b strings.Builder
	b.Grow(len("send-keys -t ") + len(target) + len(" -H") + 3*len(data))
	b.WriteString("send-keys")
	if target != "" {
		b.WriteString(" -t ")
		b.WriteString(target)
	}
	b.WriteString(" -H")
	for _, by := range data {
		fmt.Fprintf(&b, " %02x", by)
	}
	return b.String()
}

// SplitPane splits the active pane. horizontal=true places the new pane to
// the right, otherwise below.
func (c *Client) SplitPane(horizontal bool) error {
	flag := "-v"
	if horizontal {
		flag = "-h"
	}
	return c.Send("split-window " + flag)
}

// CloseActivePane kills the currently active pane.
func (c *Client) CloseActivePane() error {
	if active := c.ActivePane(); active != "" {
		return c.Send("kill-pane -t " + active)
	}
	return c.Send("kill-pane")
}

// ToggleZoom zooms or unzooms the active pane.
func (c *Client) ToggleZoom() error {
	return c.Send("resize-pane -Z")
}

// SelectPaneDirection moves the active pane selection one step.
func (c *Client) SelectPaneDirection(dir SelectDirection) error {
	return c.Send("select-pane " + string(dir))
}

// SelectPane makes the identified pane active.
func (c *Client) SelectPane(paneID string) error {
	return c.Send("select-pane -t " + paneID)
}
