package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    repo          TEXT NOT NULL,
    issue_number  INTEGER NOT NULL,
    issue_title   TEXT NOT NULL,
    task_type     TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'queued',
    branch        TEXT,
    pr_number     INTEGER,
    pr_url        TEXT,
    error         TEXT,
    log           TEXT,
    config        TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    started_at    TEXT,
    finished_at   TEXT,
    trigger       TEXT NOT NULL DEFAULT 'manual'
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`
