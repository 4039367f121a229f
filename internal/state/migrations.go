package state

const schema = `
CREATE TABLE IF NOT EXISTS progress (
    position INTEGER NOT NULL,
    unit_id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    execution_session_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_progress_status ON progress(status);
CREATE INDEX IF NOT EXISTS idx_progress_position ON progress(position);

CREATE TABLE IF NOT EXISTS merge_records (
    branch TEXT PRIMARY KEY,
    commit_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    merged_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
