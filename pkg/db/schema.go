package db

// Schema defines the SQLite database schema.
// instance_events is an append-only journal of registry status transitions,
// provisions records provisioning workflow runs, and id_sequence hands out
// instance numbers that stay unique across process restarts.
const Schema = `
CREATE TABLE IF NOT EXISTS instance_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    image TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    from_status TEXT NOT NULL DEFAULT '',
    to_status TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_instance_events_image ON instance_events(image);
CREATE INDEX IF NOT EXISTS idx_instance_events_instance ON instance_events(instance_id);

CREATE TABLE IF NOT EXISTS provisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    image TEXT NOT NULL,
    user_data_key TEXT NOT NULL DEFAULT '',
    instance_id TEXT,
    status TEXT NOT NULL CHECK(status IN ('pending', 'creating', 'running', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_provisions_status ON provisions(status);

CREATE TABLE IF NOT EXISTS id_sequence (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    next_id INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO id_sequence (id, next_id) VALUES (1, 1);
`

// Provision status constants
const (
	ProvisionPending  = "pending"
	ProvisionCreating = "creating"
	ProvisionRunning  = "running"
	ProvisionFailed   = "failed"
)

// Event is one journaled instance status transition
type Event struct {
	ID         int64
	Image      string
	InstanceID string
	FromStatus string
	ToStatus   string
	Detail     string
	CreatedAt  string
}

// Provision represents a provisioning workflow run
type Provision struct {
	ID           int64
	RunID        string
	Image        string
	UserDataKey  string
	InstanceID   string
	Status       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
