package launch

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartRejectsEmptyArgv(t *testing.T) {
	if _, err := Start(StartInput{}); err == nil {
		t.Fatalf("expected error for empty argv")
	}
}

func TestStartDeliversOutputAndExit(t *testing.T) {
	sink := &syncBuffer{}
	p, err := Start(StartInput{
		Argv: []string{"/bin/sh", "-c", "printf launched"},
		Sink: sink,
	})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	if p.Pid() <= 0 {
		t.Fatalf("missing pid")
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	if p.Running() {
		t.Fatalf("process still reported running after exit")
	}

	deadline := time.After(2 * time.Second)
	for !strings.Contains(sink.String(), "launched") {
		select {
		case <-deadline:
			t.Fatalf("output never delivered, got %q", sink.String())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestKillStopsProcess(t *testing.T) {
	p, err := Start(StartInput{Argv: []string{"/bin/sh", "-c", "sleep 60"}})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("killed process did not exit")
	}
}
