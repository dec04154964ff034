package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"atelier/internal/storage"
	"atelier/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Compensator runs an event's compensating action through the normal
// dispatch path and returns the event recording its outcome.
type Compensator interface {
	Compensate(ctx context.Context, original *Event) (*Event, error)
}

// projectState serializes sequence assignment and reverts for one project.
type projectState struct {
	seqMu    sync.Mutex
	next     int64
	loaded   bool
	revertMu sync.Mutex
}

// Store persists timeline events in sqlite.
type Store struct {
	db  *storage.DB
	now func() time.Time

	mu       sync.Mutex
	projects map[string]*projectState
}

// NewStore creates a store over an opened database.
func NewStore(db *storage.DB) *Store {
	return &Store{
		db:       db,
		now:      time.Now,
		projects: make(map[string]*projectState),
	}
}

func (s *Store) project(projectID string) *projectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.projects[projectID]
	if !ok {
		ps = &projectState{}
		s.projects[projectID] = ps
	}
	return ps
}

// Append assigns the next sequence number for the event's project and
// persists it. ID and CreatedAt are filled in when empty.
func (s *Store) Append(ctx context.Context, ev *Event) (int64, error) {
	if ev.ProjectID == "" {
		return 0, ErrMissingProject
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	args, err := toNullJSON(ev.Args, ev.Args != nil)
	if err != nil {
		return 0, fmt.Errorf("marshal args: %w", err)
	}
	comp, err := toNullJSON(ev.CompensatingAction, ev.CompensatingAction != nil)
	if err != nil {
		return 0, fmt.Errorf("marshal compensating action: %w", err)
	}

	ps := s.project(ev.ProjectID)
	ps.seqMu.Lock()
	defer ps.seqMu.Unlock()

	if !ps.loaded {
		var max sql.NullInt64
		if err := s.db.QueryRowContext(ctx,
			"SELECT MAX(seq) FROM timeline_events WHERE project_id = ?", ev.ProjectID,
		).Scan(&max); err != nil {
			return 0, fmt.Errorf("load sequence: %w", err)
		}
		ps.next = max.Int64 + 1
		ps.loaded = true
	}

	seq := ps.next
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timeline_events
		 (id, project_id, seq, kind, tool_name, args, result, error_detail,
		  compensating_action, correlation_id, ref_event_id, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProjectID, seq, string(ev.Kind), ev.ToolName, args, nullableRaw(ev.Result),
		nullString(ev.ErrorDetail), comp, nullString(ev.CorrelationID), nullString(ev.RefEventID),
		nullString(ev.Source), ev.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert timeline event: %w", err)
	}
	ps.next++
	ev.Seq = seq

	logger.Debug().
		Str("project_id", ev.ProjectID).
		Int64("seq", seq).
		Str("kind", string(ev.Kind)).
		Str("tool", ev.ToolName).
		Msg("Timeline event appended")
	return seq, nil
}

const selectColumns = `SELECT id, project_id, seq, kind, tool_name, args, result, error_detail,
	compensating_action, correlation_id, ref_event_id, source, created_at FROM timeline_events`

// List returns a project's most recent events first.
func (s *Store) List(ctx context.Context, projectID string, limit int) ([]*Event, error) {
	if projectID == "" {
		return nil, ErrMissingProject
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+" WHERE project_id = ? ORDER BY seq DESC LIMIT ?", projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Get returns one event by id.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// IsReverted reports whether a reverted event references id.
func (s *Store) IsReverted(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM timeline_events WHERE ref_event_id = ? AND kind = ?",
		id, string(KindReverted),
	).Scan(&n)
	return n > 0, err
}

// Revert runs the compensating action of eventID through c. On success the
// compensation's own events are followed by a reverted event, and the
// compensating success event is returned. History is never rewritten.
//
// Events produced by a revert are never themselves reverted and yield
// ErrNoCompensatingAction.
//
// When the compensating action fails the original event stays active, no
// reverted event is written and a *RevertError is returned.
func (s *Store) Revert(ctx context.Context, eventID string, c Compensator) (*Event, error) {
	ev, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.CompensatingAction == nil || ev.Source == SourceRevert {
		return nil, ErrNoCompensatingAction
	}

	ps := s.project(ev.ProjectID)
	ps.revertMu.Lock()
	defer ps.revertMu.Unlock()

	reverted, err := s.IsReverted(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if reverted {
		return nil, ErrAlreadyReverted
	}

	outcome, err := c.Compensate(ctx, ev)
	if err != nil {
		logger.Warn().Err(err).
			Str("project_id", ev.ProjectID).
			Str("event_id", eventID).
			Msg("Compensating action failed")
		return nil, &RevertError{EventID: eventID, Failure: outcome, Cause: err}
	}

	marker := &Event{
		ProjectID:     ev.ProjectID,
		Kind:          KindReverted,
		ToolName:      ev.ToolName,
		Args:          ev.Args,
		CorrelationID: ev.CorrelationID,
		RefEventID:    ev.ID,
		Source:        SourceRevert,
	}
	if outcome != nil {
		marker.Result, _ = json.Marshal(map[string]any{"compensationEventId": outcome.ID})
	}
	if _, err := s.Append(ctx, marker); err != nil {
		return nil, err
	}

	logger.Info().
		Str("project_id", ev.ProjectID).
		Str("event_id", eventID).
		Str("tool", ev.CompensatingAction.Tool).
		Msg("Event reverted")
	return outcome, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*Event, error) {
	var (
		ev                                Event
		kind                              string
		args, result, errDetail, comp     sql.NullString
		correlationID, refEventID, source sql.NullString
	)
	if err := r.Scan(&ev.ID, &ev.ProjectID, &ev.Seq, &kind, &ev.ToolName, &args, &result,
		&errDetail, &comp, &correlationID, &refEventID, &source, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Kind = Kind(kind)
	ev.ErrorDetail = errDetail.String
	ev.CorrelationID = correlationID.String
	ev.RefEventID = refEventID.String
	ev.Source = source.String

	if args.Valid {
		if err := json.Unmarshal([]byte(args.String), &ev.Args); err != nil {
			return nil, fmt.Errorf("decode args of %s: %w", ev.ID, err)
		}
	}
	if result.Valid {
		ev.Result = json.RawMessage(result.String)
	}
	if comp.Valid {
		var inv Invocation
		if err := json.Unmarshal([]byte(comp.String), &inv); err != nil {
			return nil, fmt.Errorf("decode compensating action of %s: %w", ev.ID, err)
		}
		ev.CompensatingAction = &inv
	}
	return &ev, nil
}

func toNullJSON(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
