// Package store is the sqlite-backed persistence collaborator: entity
// projections for the session core plus the narrow status-flag writes the
// core is allowed to make.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/muxdock/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.applyMigrations(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS entities (
	entity_id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	working_dir TEXT NOT NULL DEFAULT '',
	shell_path TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	init_command TEXT NOT NULL DEFAULT '',
	backend TEXT NOT NULL DEFAULT 'direct' CHECK(backend IN ('direct','attach','control')),
	favourite TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	env_vars TEXT NOT NULL DEFAULT '[]',
	deleted INTEGER NOT NULL DEFAULT 0,
	needs_mux INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS entities_deleted ON entities(deleted);
`)
	if err != nil {
		return fmt.Errorf("apply entity migrations: %w", err)
	}
	return nil
}

func (s *Store) UpsertEntity(ctx context.Context, ent model.Entity) error {
	now := time.Now().UTC()
	if ent.CreatedAt.IsZero() {
		ent.CreatedAt = now
	}
	ent.UpdatedAt = now
	tags, err := json.Marshal(ent.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	envVars, err := json.Marshal(ent.EnvVars)
	if err != nil {
		return fmt.Errorf("marshal env vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO entities(entity_id, title, description, working_dir, shell_path, tags, init_command, backend, favourite, metadata, env_vars, deleted, needs_mux, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity_id) DO UPDATE SET
	title=excluded.title,
	description=excluded.description,
	working_dir=excluded.working_dir,
	shell_path=excluded.shell_path,
	tags=excluded.tags,
	init_command=excluded.init_command,
	backend=excluded.backend,
	favourite=excluded.favourite,
	metadata=excluded.metadata,
	env_vars=excluded.env_vars,
	deleted=excluded.deleted,
	needs_mux=excluded.needs_mux,
	updated_at=excluded.updated_at
`, ent.ID, ent.Title, ent.Description, ent.WorkingDir, ent.ShellPath, string(tags), ent.InitCommand,
		string(ent.Backend), ent.Favourite, ent.Metadata, string(envVars),
		boolToInt(ent.Deleted), boolToInt(ent.NeedsMux), ts(ent.CreatedAt), ts(ent.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// Entity loads one entity projection, deleted or not.
func (s *Store) Entity(ctx context.Context, id string) (model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT entity_id, title, description, working_dir, shell_path, tags, init_command, backend, favourite, metadata, env_vars, deleted, needs_mux, created_at, updated_at
FROM entities WHERE entity_id = ?`, id)
	ent, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return ent, err
}

// ListEntities returns entities ordered by id for deterministic recovery
// matching. Deleted entities are included only when requested.
func (s *Store) ListEntities(ctx context.Context, includeDeleted bool) ([]model.Entity, error) {
	query := `
SELECT entity_id, title, description, working_dir, shell_path, tags, init_command, backend, favourite, metadata, env_vars, deleted, needs_mux, created_at, updated_at
FROM entities`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY entity_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	out := make([]model.Entity, 0)
	for rows.Next() {
		ent, scanErr := scanEntity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

// ClearNeedsMux is one of the two narrow writes the session core performs.
func (s *Store) ClearNeedsMux(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "needs_mux", 0)
}

// SoftDelete marks an entity deleted without losing it for recovery.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "deleted", 1)
}

// Restore reverses a soft delete; used when recovery matches an orphaned
// background session to a deleted entity.
func (s *Store) Restore(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "deleted", 0)
}

// SetMetadata records presentation-only favourite/metadata strings.
func (s *Store) SetMetadata(ctx context.Context, id, favourite, metadata string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET favourite = ?, metadata = ?, updated_at = ? WHERE entity_id = ?`,
		favourite, metadata, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return requireRow(res, id)
}

func (s *Store) setFlag(ctx context.Context, id, column string, value int) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE entities SET %s = ?, updated_at = ? WHERE entity_id = ?`, column),
		value, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (model.Entity, error) {
	var (
		ent               model.Entity
		tags, envVars     string
		deleted, needsMux int
		created, updated  string
		backend           string
	)
	err := row.Scan(&ent.ID, &ent.Title, &ent.Description, &ent.WorkingDir, &ent.ShellPath,
		&tags, &ent.InitCommand, &backend, &ent.Favourite, &ent.Metadata, &envVars,
		&deleted, &needsMux, &created, &updated)
	if err != nil {
		return model.Entity{}, err
	}
	ent.Backend = model.BackendKind(backend)
	ent.Deleted = deleted != 0
	ent.NeedsMux = needsMux != 0
	if err := json.Unmarshal([]byte(tags), &ent.Tags); err != nil {
		return model.Entity{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(envVars), &ent.EnvVars); err != nil {
		return model.Entity{}, fmt.Errorf("unmarshal env vars: %w", err)
	}
	if t, err := parseTS(created); err == nil {
		ent.CreatedAt = t
	}
	if t, err := parseTS(updated); err == nil {
		ent.UpdatedAt = t
	}
	return ent, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
