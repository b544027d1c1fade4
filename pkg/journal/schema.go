package journal

// Schema defines the SQLite schema: one row per stage action run, and the index of
// cached release downloads.
const Schema = `
CREATE TABLE IF NOT EXISTS stage_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    workflow TEXT NOT NULL,
    stage TEXT NOT NULL,
    target TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed')),
    error_message TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_stage_events_run_id ON stage_events(run_id);
CREATE INDEX IF NOT EXISTS idx_stage_events_workflow ON stage_events(workflow);
CREATE INDEX IF NOT EXISTS idx_stage_events_started_at ON stage_events(started_at);

CREATE TABLE IF NOT EXISTS artifacts (
    s3_key TEXT PRIMARY KEY,
    sha256 TEXT NOT NULL,
    local_path TEXT NOT NULL,
    size INTEGER NOT NULL,
    fetched_at TEXT NOT NULL
);
`

// Status constants
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Entry is one stage action run.
type Entry struct {
	ID           int64
	Run          string
	Workflow     string
	Stage        string
	Target       string
	Attempt      int
	Status       string
	ErrorMessage string
	StartedAt    string
	FinishedAt   string
	DurationMS   int64
}
