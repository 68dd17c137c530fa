// Package runstore provides SQLite-backed persistence for runs.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/silver-key/factory-agents/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection serializes the read/modify/write pattern used
	// by partial updates and log appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `id, repo, issue_number, issue_title, task_type, status, branch, pr_number, pr_url, error, log, config, created_at, started_at, finished_at, trigger`

// Create inserts a new run. Status is forced to queued and created_at is
// set to the current time; the stored record is returned.
func (s *Store) Create(run *domain.Run) (*domain.Run, error) {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO runs (id, repo, issue_number, issue_title, task_type, status, config, created_at, trigger)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?)
	`,
		run.ID,
		run.Repo,
		run.IssueNumber,
		run.IssueTitle,
		string(run.TaskType),
		string(cfgJSON),
		now.Format(time.RFC3339Nano),
		string(run.Trigger),
	)
	if err != nil {
		return nil, err
	}

	return s.Get(run.ID)
}

// Get retrieves a run by ID, returning (nil, nil) when absent
func (s *Store) Get(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status domain.RunStatus
	Limit  int
	Offset int
}

// List returns runs newest first, filtered by the given options
func (s *Store) List(opts ListOptions) ([]*domain.Run, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Update applies a partial update. Only non-nil fields touch their columns;
// the log column is never written here.
type Update struct {
	Status     *domain.RunStatus
	IssueTitle *string
	TaskType   *domain.TaskType
	Branch     *string
	PRNumber   *int
	PRURL      *string
	Error      *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Update applies the supplied fields to the run and returns the new record
func (s *Store) Update(id string, u Update) (*domain.Run, error) {
	var sets []string
	var args []interface{}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.IssueTitle != nil {
		sets = append(sets, "issue_title = ?")
		args = append(args, *u.IssueTitle)
	}
	if u.TaskType != nil {
		sets = append(sets, "task_type = ?")
		args = append(args, string(*u.TaskType))
	}
	if u.Branch != nil {
		sets = append(sets, "branch = ?")
		args = append(args, *u.Branch)
	}
	if u.PRNumber != nil {
		sets = append(sets, "pr_number = ?")
		args = append(args, *u.PRNumber)
	}
	if u.PRURL != nil {
		sets = append(sets, "pr_url = ?")
		args = append(args, *u.PRURL)
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, u.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if u.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, u.FinishedAt.UTC().Format(time.RFC3339Nano))
	}

	if len(sets) == 0 {
		return s.Get(id)
	}

	query := "UPDATE runs SET " + sets[0]
	for _, set := range sets[1:] {
		query += ", " + set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.db.Exec(query, args...); err != nil {
		return nil, err
	}
	return s.Get(id)
}

// AppendLog atomically concatenates a line (plus trailing newline) to the
// run's log text. The single UPDATE keeps interleaved appenders safe.
func (s *Store) AppendLog(id, line string) error {
	_, err := s.db.Exec(`UPDATE runs SET log = COALESCE(log, '') || ? WHERE id = ?`, line+"\n", id)
	return err
}

// HasRunForIssue reports whether any non-failed run exists for the
// repo and issue. Failed runs do not count, so an issue can be retried.
func (s *Store) HasRunForIssue(repo string, issue int) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE repo = ? AND issue_number = ? AND status != 'failed'`,
		repo, issue,
	).Scan(&n)
	return n > 0, err
}

// Stats summarizes run counts by outcome
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// GetStats returns aggregate run counts
func (s *Store) GetStats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COUNT(CASE WHEN status = 'running' THEN 1 END),
		       COUNT(CASE WHEN status = 'success' THEN 1 END),
		       COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM runs
	`).Scan(&st.Total, &st.Running, &st.Succeeded, &st.Failed)
	return st, err
}

// RecentRepos returns up to 10 distinct repos from the newest runs
func (s *Store) RecentRepos() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT repo FROM runs ORDER BY created_at DESC LIMIT 10`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scannable) (*domain.Run, error) {
	var run domain.Run
	var taskType, status, trigger, createdAt, cfgJSON string
	var branch, prURL, errMsg, logText, startedAt, finishedAt sql.NullString
	var prNumber sql.NullInt64

	err := row.Scan(
		&run.ID, &run.Repo, &run.IssueNumber, &run.IssueTitle,
		&taskType, &status, &branch, &prNumber, &prURL,
		&errMsg, &logText, &cfgJSON, &createdAt, &startedAt, &finishedAt, &trigger,
	)
	if err != nil {
		return nil, err
	}

	run.TaskType = domain.TaskType(taskType)
	run.Status = domain.RunStatus(status)
	run.Trigger = domain.RunTrigger(trigger)
	run.Branch = branch.String
	run.PRNumber = int(prNumber.Int64)
	run.PRURL = prURL.String
	run.Error = errMsg.String
	run.Log = logText.String

	if err := json.Unmarshal([]byte(cfgJSON), &run.Config); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}

	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}

	return &run, nil
}
