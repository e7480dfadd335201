package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/muxdock/internal/config"
	"github.com/g960059/muxdock/internal/model"
	"github.com/g960059/muxdock/internal/mux"
)

type scriptedRunner struct {
	mu       sync.Mutex
	sessions []string
	envs     map[string]string
}

func (r *scriptedRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch args[0] {
	case "list-sessions":
		if len(r.sessions) == 0 {
			return []byte("no server running on /tmp/tmux-1000/default"), errors.New("exit status 1")
		}
		return []byte(strings.Join(r.sessions, "\n") + "\n"), nil
	case "show-environment":
		name := args[2]
		if env, ok := r.envs[name]; ok {
			return []byte(env), nil
		}
		return nil, errors.New("no such session")
	default:
		return nil, nil
	}
}

// sessionLine formats one list-sessions record the way the manager's list
// format would produce it.
func sessionLine(name string, attached bool, created int64, path string) string {
	flag := "0"
	if attached {
		flag = "1"
	}
	return strings.Join([]string{name, flag, fmt.Sprint(created), path}, "\x1f")
}

type memoryStore struct {
	mu       sync.Mutex
	entities map[string]model.Entity
	restored []string
	upserted []model.Entity
}

func newMemoryStore(entities ...model.Entity) *memoryStore {
	s := &memoryStore{entities: map[string]model.Entity{}}
	for _, ent := range entities {
		s.entities[ent.ID] = ent
	}
	return s
}

func (s *memoryStore) ListEntities(_ context.Context, includeDeleted bool) ([]model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Entity, 0, len(s.entities))
	for _, ent := range s.entities {
		if ent.Deleted && !includeDeleted {
			continue
		}
		out = append(out, ent)
	}
	return out, nil
}

func (s *memoryStore) Restore(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("entity %s: not found", id)
	}
	ent.Deleted = false
	s.entities[id] = ent
	s.restored = append(s.restored, id)
	return nil
}

func (s *memoryStore) UpsertEntity(_ context.Context, ent model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[ent.ID] = ent
	s.upserted = append(s.upserted, ent)
	return nil
}

func scannerConfig(autoReattach bool) config.Config {
	cfg := config.DefaultConfig()
	cfg.MuxBinary = "tmux"
	cfg.CommandTimeout = time.Second
	cfg.RetryBackoff = nil
	cfg.AutoReattach = autoReattach
	return cfg
}

func newTestScanner(cfg config.Config, runner *scriptedRunner, store EntityStore, openIDs map[string]struct{}, reattach ReattachFunc) *Scanner {
	muxMgr := mux.NewManager(cfg, mux.NewExecutorWithRunner(cfg, runner))
	return NewScanner(cfg, muxMgr, store, func() map[string]struct{} { return openIDs }, reattach)
}

func TestScanReattachesExactAndPrefixMatches(t *testing.T) {
	exactID := "ab12cd34-0000-0000-0000-000000000001"
	prefixID := "ffee0011-0000-0000-0000-000000000002"
	runner := &scriptedRunner{sessions: []string{
		sessionLine("muxdock-"+exactID, false, 1700000000, "/work/a"),
		// A renamed suffix still recovers through the 8-char id prefix.
		sessionLine("muxdock-ffee0011-renamed", false, 1700000001, "/work/b"),
		sessionLine("scratch", false, 1700000002, "/home"),
	}}
	store := newMemoryStore(
		model.Entity{ID: exactID, Title: "exact"},
		model.Entity{ID: prefixID, Title: "prefix"},
	)

	var reattached []string
	reattach := func(_ context.Context, ent model.Entity, _ model.BackgroundSession) error {
		reattached = append(reattached, ent.ID)
		return nil
	}
	sc := newTestScanner(scannerConfig(true), runner, store, nil, reattach)

	result, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(result.Reattached) != 2 {
		t.Fatalf("expected 2 reattached, got %+v", result)
	}
	if len(result.Orphans) != 0 {
		t.Fatalf("foreign sessions must not appear as orphans: %+v", result.Orphans)
	}
	if len(reattached) != 2 || reattached[0] != exactID || reattached[1] != prefixID {
		t.Fatalf("unexpected reattach order: %v", reattached)
	}
}

func TestScanSkipsAttachedAndOpenSessions(t *testing.T) {
	openID := "ab12cd34-0000-0000-0000-000000000001"
	runner := &scriptedRunner{sessions: []string{
		sessionLine("muxdock-"+openID, false, 1700000000, "/work"),
		sessionLine("muxdock-ffee0011-attached", true, 1700000001, "/work"),
	}}
	store := newMemoryStore(model.Entity{ID: openID})

	sc := newTestScanner(scannerConfig(true), runner, store, map[string]struct{}{openID: {}}, nil)
	result, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(result.Reattached) != 0 || len(result.Orphans) != 0 {
		t.Fatalf("open and attached sessions are not candidates: %+v", result)
	}
}

func TestScanWithoutAutoReattachReportsOrphans(t *testing.T) {
	id := "ab12cd34-0000-0000-0000-000000000001"
	runner := &scriptedRunner{sessions: []string{
		sessionLine("muxdock-"+id, false, 1700000000, "/work"),
	}}
	store := newMemoryStore(model.Entity{ID: id})

	sc := newTestScanner(scannerConfig(false), runner, store, nil, nil)
	result, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(result.Reattached) != 0 || len(result.Orphans) != 1 {
		t.Fatalf("auto-reattach disabled must leave orphans: %+v", result)
	}
}

func TestScanReattachFailureBecomesOrphan(t *testing.T) {
	id := "ab12cd34-0000-0000-0000-000000000001"
	runner := &scriptedRunner{sessions: []string{
		sessionLine("muxdock-"+id, false, 1700000000, "/work"),
	}}
	store := newMemoryStore(model.Entity{ID: id})
	reattach := func(_ context.Context, _ model.Entity, _ model.BackgroundSession) error {
		return errors.New("tab open failed")
	}

	sc := newTestScanner(scannerConfig(true), runner, store, nil, reattach)
	result, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(result.Reattached) != 0 || len(result.Orphans) != 1 {
		t.Fatalf("failed reattach must demote to orphan: %+v", result)
	}
}

func TestScanUnmatchedSessionIsOrphan(t *testing.T) {
	runner := &scriptedRunner{sessions: []string{
		sessionLine("muxdock-00000000-unknown", false, 1700000000, "/work"),
	}}
	store := newMemoryStore()

	sc := newTestScanner(scannerConfig(true), runner, store, nil, nil)
	result, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(result.Orphans) != 1 || result.Orphans[0].Name != "muxdock-00000000-unknown" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestScanNoServerYieldsNothing(t *testing.T) {
	sc := newTestScanner(scannerConfig(true), &scriptedRunner{}, newMemoryStore(), nil, nil)
	result, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(result.Reattached) != 0 || len(result.Orphans) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestResolveOrphanRestoresDeletedMatchFirst(t *testing.T) {
	id := "ab12cd34-0000-0000-0000-000000000001"
	store := newMemoryStore(model.Entity{ID: id, Title: "old box", Deleted: true})
	sc := newTestScanner(scannerConfig(true), &scriptedRunner{}, store, nil, nil)

	ent, err := sc.ResolveOrphan(context.Background(), model.BackgroundSession{
		Name:     "muxdock-" + id,
		IDPrefix: "ab12cd34",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ent.ID != id || ent.Deleted {
		t.Fatalf("expected restored entity, got %+v", ent)
	}
	if len(store.restored) != 1 || store.restored[0] != id {
		t.Fatalf("restore not recorded: %v", store.restored)
	}
	if len(store.upserted) != 0 {
		t.Fatalf("restore must not synthesize: %v", store.upserted)
	}
}

func TestResolveOrphanActiveMatchIsNoOp(t *testing.T) {
	id := "ab12cd34-0000-0000-0000-000000000001"
	store := newMemoryStore(model.Entity{ID: id, Title: "live box"})
	sc := newTestScanner(scannerConfig(true), &scriptedRunner{}, store, nil, nil)

	ent, err := sc.ResolveOrphan(context.Background(), model.BackgroundSession{
		Name:     "muxdock-" + id,
		IDPrefix: "ab12cd34",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ent.ID != id {
		t.Fatalf("expected active entity, got %+v", ent)
	}
	if len(store.restored) != 0 || len(store.upserted) != 0 {
		t.Fatalf("active match must not mutate the store")
	}
}

func TestResolveOrphanSynthesizesFromSessionEnvironment(t *testing.T) {
	runner := &scriptedRunner{envs: map[string]string{
		"muxdock-deadbeef-gone": strings.Join([]string{
			"MUXDOCK_ENTITY_ID=deadbeef-0000-0000-0000-000000000009",
			"MUXDOCK_TITLE=build box",
			"MUXDOCK_DESCRIPTION=nightly builds",
			"MUXDOCK_TAG_PROD=prod",
			"MUXDOCK_TAG_TEAM_INFRA=team-infra",
			"-REMOVED_VAR",
		}, "\n"),
	}}
	store := newMemoryStore()
	sc := newTestScanner(scannerConfig(true), runner, store, nil, nil)

	ent, err := sc.ResolveOrphan(context.Background(), model.BackgroundSession{
		Name:       "muxdock-deadbeef-gone",
		IDPrefix:   "deadbeef",
		WorkingDir: "/work/nightly",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ent.ID != "deadbeef-0000-0000-0000-000000000009" {
		t.Fatalf("entity id not taken from session env: %q", ent.ID)
	}
	if ent.Title != "build box" || ent.Description != "nightly builds" {
		t.Fatalf("metadata not recovered: %+v", ent)
	}
	if ent.Backend != model.BackendAttach {
		t.Fatalf("synthesized backend = %s, want attach", ent.Backend)
	}
	if ent.WorkingDir != "/work/nightly" {
		t.Fatalf("working dir = %q", ent.WorkingDir)
	}
	if len(ent.Tags) != 2 || ent.Tags[0] != "prod" || ent.Tags[1] != "team-infra" {
		t.Fatalf("tags = %v", ent.Tags)
	}
	if len(store.upserted) != 1 {
		t.Fatalf("synthesized entity not persisted: %v", store.upserted)
	}
}

func TestResolveOrphanSynthesizesWithoutEnvironment(t *testing.T) {
	store := newMemoryStore()
	sc := newTestScanner(scannerConfig(true), &scriptedRunner{}, store, nil, nil)

	ent, err := sc.ResolveOrphan(context.Background(), model.BackgroundSession{
		Name:       "muxdock-unknown",
		WorkingDir: "/somewhere",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ent.ID == "" {
		t.Fatalf("synthesized entity must get an id")
	}
	if ent.Title != "Recovered: muxdock-unknown" {
		t.Fatalf("title = %q", ent.Title)
	}
}
