package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gateline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertBuild(ctx context.Context, tx *sql.Tx, b domain.Build) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO builds(id,project,pipeline,change_id,queue,state,created_at) VALUES (?,?,?,?,?,?,?)`,
		b.ID, b.Project, b.Pipeline, b.ChangeID, nullable(b.Queue), b.State, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (r Repo) FinishBuild(ctx context.Context, tx *sql.Tx, id, state, finishedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE builds SET state=?, finished_at=? WHERE id=?`, state, finishedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetBuild(ctx context.Context, id string) (domain.Build, error) {
	var b domain.Build
	var queue, finished sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,project,pipeline,change_id,queue,state,created_at,finished_at FROM builds WHERE id=?`, id).
		Scan(&b.ID, &b.Project, &b.Pipeline, &b.ChangeID, &queue, &b.State, &b.CreatedAt, &finished)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Queue = queue.String
	b.FinishedAt = finished.String
	return b, nil
}

// BuildFilters narrow ListBuilds.
type BuildFilters struct {
	Project  string
	Pipeline string
	Limit    int
}

func (r Repo) ListBuilds(ctx context.Context, f BuildFilters) ([]domain.Build, error) {
	var (
		where []string
		args  []any
	)
	if f.Project != "" {
		where = append(where, "project=?")
		args = append(args, f.Project)
	}
	if f.Pipeline != "" {
		where = append(where, "pipeline=?")
		args = append(args, f.Pipeline)
	}
	q := `SELECT id,project,pipeline,change_id,queue,state,created_at,finished_at FROM builds`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		var b domain.Build
		var queue, finished sql.NullString
		if err := rows.Scan(&b.ID, &b.Project, &b.Pipeline, &b.ChangeID, &queue, &b.State, &b.CreatedAt, &finished); err != nil {
			return nil, err
		}
		b.Queue = queue.String
		b.FinishedAt = finished.String
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertJobResult(ctx context.Context, tx *sql.Tx, buildID string, jr domain.JobResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO build_jobs(build_id,job_name,status,voting,duration_ms,log_url) VALUES (?,?,?,?,?,?)`,
		buildID, jr.JobName, jr.Status, boolInt(jr.Voting), jr.Duration.Milliseconds(), nullable(jr.LogURL))
	if err != nil {
		return fmt.Errorf("insert job result: %w", err)
	}
	return nil
}

func (r Repo) ListBuildJobs(ctx context.Context, buildID string) ([]domain.JobResult, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT job_name,status,voting,duration_ms,log_url FROM build_jobs WHERE build_id=? ORDER BY job_name`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobResult
	for rows.Next() {
		var jr domain.JobResult
		var voting int
		var durationMS int64
		var logURL sql.NullString
		if err := rows.Scan(&jr.JobName, &jr.Status, &voting, &durationMS, &logURL); err != nil {
			return nil, err
		}
		jr.Voting = voting != 0
		jr.Duration = time.Duration(durationMS) * time.Millisecond
		jr.LogURL = logURL.String
		res = append(res, jr)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, n int, project, evtType, entityKind, entityID string) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if project != "" {
		where = append(where, "project=?")
		args = append(args, project)
	}
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, entityID)
	}
	q := `SELECT id,ts,type,COALESCE(project,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	if n <= 0 {
		n = 20
	}
	args = append(args, n)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Project, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
