// Package recovery reconciles orphaned background multiplexer sessions with
// known entities after a restart.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/g960059/muxdock/internal/config"
	"github.com/g960059/muxdock/internal/logging"
	"github.com/g960059/muxdock/internal/model"
	"github.com/g960059/muxdock/internal/mux"
	"github.com/g960059/muxdock/internal/shellenv"
)

// EntityStore is the slice of the persistence collaborator the scanner
// needs: listing (including soft-deleted records), restoring and creating
// placeholder entities.
type EntityStore interface {
	ListEntities(ctx context.Context, includeDeleted bool) ([]model.Entity, error)
	Restore(ctx context.Context, id string) error
	UpsertEntity(ctx context.Context, ent model.Entity) error
}

// ReattachFunc silently re-adopts a recovered session for an entity,
// typically by opening it as a tab and marking it recovered.
type ReattachFunc func(ctx context.Context, ent model.Entity, session model.BackgroundSession) error

// Match pairs a recovered background session with the entity it belongs to.
type Match struct {
	Session model.BackgroundSession
	Entity  model.Entity
}

// Result classifies every candidate found during one scan.
type Result struct {
	Reattached []Match
	Orphans    []model.BackgroundSession
}

type Scanner struct {
	cfg      config.Config
	muxMgr   *mux.Manager
	store    EntityStore
	openIDs  func() map[string]struct{}
	reattach ReattachFunc
	log      *logrus.Entry
}

func NewScanner(cfg config.Config, muxMgr *mux.Manager, store EntityStore, openIDs func() map[string]struct{}, reattach ReattachFunc) *Scanner {
	return &Scanner{
		cfg:      cfg,
		muxMgr:   muxMgr,
		store:    store,
		openIDs:  openIDs,
		reattach: reattach,
		log:      logging.Component("recovery"),
	}
}

// Scan runs once after multiplexer availability is confirmed. It never
// blocks startup: when the multiplexer is unavailable or disabled the
// candidate list is empty and nothing happens.
func (sc *Scanner) Scan(ctx context.Context) (Result, error) {
	var result Result
	if !sc.muxMgr.Available() {
		return result, nil
	}
	sessions, err := sc.muxMgr.List(ctx)
	if err != nil {
		return result, fmt.Errorf("list background sessions: %w", err)
	}
	entities, err := sc.store.ListEntities(ctx, false)
	if err != nil {
		return result, fmt.Errorf("list entities: %w", err)
	}
	// Stable id order keeps ambiguous prefix matches deterministic.
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	open := map[string]struct{}{}
	if sc.openIDs != nil {
		open = sc.openIDs()
	}

	for _, session := range sessions {
		if session.Attached {
			continue
		}
		if linkedID, linked := sc.linkedEntity(session, entities); linked {
			if _, isOpen := open[linkedID]; isOpen {
				// Already open as an active tab; not a candidate.
				continue
			}
		}
		if !sc.cfg.AutoReattach {
			result.Orphans = append(result.Orphans, session)
			continue
		}
		ent, matched := matchEntity(sc.muxMgr, session, entities)
		if !matched {
			result.Orphans = append(result.Orphans, session)
			continue
		}
		if sc.reattach != nil {
			if reattachErr := sc.reattach(ctx, ent, session); reattachErr != nil {
				sc.log.WithError(reattachErr).WithField("session", session.Name).Warn("reattach failed")
				result.Orphans = append(result.Orphans, session)
				continue
			}
		}
		result.Reattached = append(result.Reattached, Match{Session: session, Entity: ent})
	}
	sc.log.WithFields(logrus.Fields{
		"reattached": len(result.Reattached),
		"orphans":    len(result.Orphans),
	}).Info("recovery scan complete")
	return result, nil
}

func (sc *Scanner) linkedEntity(session model.BackgroundSession, entities []model.Entity) (string, bool) {
	ent, ok := matchEntity(sc.muxMgr, session, entities)
	if !ok {
		return "", false
	}
	return ent.ID, true
}

// matchEntity finds the first entity whose session name matches exactly or
// whose id starts with the candidate's extracted prefix.
func matchEntity(muxMgr *mux.Manager, session model.BackgroundSession, entities []model.Entity) (model.Entity, bool) {
	for _, ent := range entities {
		if muxMgr.SessionName(ent.ID) == session.Name {
			return ent, true
		}
	}
	if session.IDPrefix == "" {
		return model.Entity{}, false
	}
	for _, ent := range entities {
		if strings.HasPrefix(ent.ID, session.IDPrefix) {
			return ent, true
		}
	}
	return model.Entity{}, false
}

// ResolveOrphan handles a user decision to recover an orphaned session.
// Precedence: restore a soft-deleted match (without auto-opening it), then
// acknowledge an active match, then synthesize a placeholder entity with
// whatever metadata the session's own environment still carries.
func (sc *Scanner) ResolveOrphan(ctx context.Context, session model.BackgroundSession) (model.Entity, error) {
	all, err := sc.store.ListEntities(ctx, true)
	if err != nil {
		return model.Entity{}, fmt.Errorf("list entities: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	deleted := make([]model.Entity, 0)
	active := make([]model.Entity, 0)
	for _, ent := range all {
		if ent.Deleted {
			deleted = append(deleted, ent)
		} else {
			active = append(active, ent)
		}
	}

	if ent, ok := matchEntity(sc.muxMgr, session, deleted); ok {
		if restoreErr := sc.store.Restore(ctx, ent.ID); restoreErr != nil {
			return model.Entity{}, fmt.Errorf("restore entity %s: %w", ent.ID, restoreErr)
		}
		ent.Deleted = false
		return ent, nil
	}
	if ent, ok := matchEntity(sc.muxMgr, session, active); ok {
		// Already linked; nothing to do.
		return ent, nil
	}
	return sc.synthesizeEntity(ctx, session)
}

func (sc *Scanner) synthesizeEntity(ctx context.Context, session model.BackgroundSession) (model.Entity, error) {
	env := sc.muxMgr.ShowEnvironmentAll(ctx, session.Name)
	ent := model.Entity{
		ID:         uuid.NewString(),
		Title:      fmt.Sprintf("Recovered: %s", session.Name),
		WorkingDir: session.WorkingDir,
		Backend:    model.BackendAttach,
	}
	if id := strings.TrimSpace(env[shellenv.EnvPrefix+"_ENTITY_ID"]); id != "" {
		ent.ID = id
	}
	if title := strings.TrimSpace(env[shellenv.EnvPrefix+"_TITLE"]); title != "" {
		ent.Title = title
	}
	if desc := strings.TrimSpace(env[shellenv.EnvPrefix+"_DESCRIPTION"]); desc != "" {
		ent.Description = desc
	}
	tagPrefix := shellenv.EnvPrefix + "_TAG_"
	for key, value := range env {
		if strings.HasPrefix(key, tagPrefix) && value != "" {
			ent.Tags = append(ent.Tags, value)
		}
	}
	sort.Strings(ent.Tags)
	if err := sc.store.UpsertEntity(ctx, ent); err != nil {
		return model.Entity{}, fmt.Errorf("create recovered entity: %w", err)
	}
	return ent, nil
}
