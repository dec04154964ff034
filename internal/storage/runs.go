package storage

import (
	"database/sql"
	"errors"
	"time"
)

// AgentRun is one agent subprocess lifetime, kept for session replay.
type AgentRun struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	PID        int        `json:"pid"`
	Adapter    string     `json:"adapter"`
	Executable string     `json:"executable"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// InsertRun records a newly started run.
func (db *DB) InsertRun(run *AgentRun) error {
	_, err := db.Exec(
		`INSERT INTO agent_runs (id, project_id, pid, adapter, executable, state, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.PID, run.Adapter, run.Executable, run.State, run.StartedAt,
	)
	return err
}

// UpdateRunState sets the state of a run. Terminal states also set ended_at.
func (db *DB) UpdateRunState(id, state, lastError string, ended bool) error {
	var endedAt *time.Time
	if ended {
		now := time.Now()
		endedAt = &now
	}
	result, err := db.Exec(
		`UPDATE agent_runs
		 SET state = ?, last_error = ?, ended_at = COALESCE(?, ended_at)
		 WHERE id = ?`,
		state, lastError, endedAt, id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns the most recent runs of a project, newest first.
func (db *DB) ListRuns(projectID string, limit int) ([]*AgentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(
		`SELECT id, project_id, pid, adapter, executable, state, started_at, ended_at, last_error
		 FROM agent_runs WHERE project_id = ?
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRun returns the newest run of a project.
func (db *DB) LatestRun(projectID string) (*AgentRun, error) {
	runs, err := db.ListRuns(projectID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*AgentRun, error) {
	var (
		run       AgentRun
		endedAt   sql.NullTime
		lastError sql.NullString
	)
	err := s.Scan(&run.ID, &run.ProjectID, &run.PID, &run.Adapter, &run.Executable,
		&run.State, &run.StartedAt, &endedAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	run.LastError = lastError.String
	return &run, nil
}
