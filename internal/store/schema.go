package store

import (
	"context"
	"fmt"
)

// schemaDDL is additive only: existing files must keep opening cleanly.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	email TEXT UNIQUE,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT,
	user_id INTEGER,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (user_id) REFERENCES users (id)
);

CREATE TABLE IF NOT EXISTS components (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	position_x REAL,
	position_y REAL,
	properties TEXT, -- JSON blob owned by the renderers
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (project_id) REFERENCES projects (id)
);

CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id);
CREATE INDEX IF NOT EXISTS idx_components_project ON components(project_id);
`

// SampleComponent describes one seeded component row.
type SampleComponent struct {
	Type       string
	Name       string
	X, Y       float64
	Properties string
}

// Seed values written on first open. Compatibility tests depend on these
// exact literals.
const (
	SampleUserName           = "Sample User"
	SampleUserEmail          = "sample@example.com"
	SampleProjectName        = "Sample Project"
	SampleProjectDescription = "A sample circuit project"
)

// SampleComponents are inserted in this order, so the battery gets id 1.
var SampleComponents = []SampleComponent{
	{Type: "battery", Name: "Battery 1", X: 100, Y: 100, Properties: `{"voltage":12}`},
	{Type: "motor", Name: "Motor 1", X: 300, Y: 100, Properties: `{"speed":50}`},
	{Type: "led", Name: "LED 1", X: 200, Y: 200, Properties: `{"color":"red","isOn":false}`},
}

// initSchema creates the tables if they do not exist. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// seed inserts the sample user, project and components when the users
// table is empty. It reports whether anything was written.
func (s *Store) seed(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&users); err != nil {
		return false, fmt.Errorf("failed to count users: %w", err)
	}
	if users > 0 {
		return false, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO users (name, email) VALUES (?, ?)",
		SampleUserName, SampleUserEmail)
	if err != nil {
		return false, fmt.Errorf("failed to seed user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to seed user: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		"INSERT INTO projects (name, description, user_id) VALUES (?, ?, ?)",
		SampleProjectName, SampleProjectDescription, userID)
	if err != nil {
		return false, fmt.Errorf("failed to seed project: %w", err)
	}
	projectID, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to seed project: %w", err)
	}

	for _, c := range SampleComponents {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO components (project_id, type, name, position_x, position_y, properties)
		VALUES (?, ?, ?, ?, ?, ?)`,
			projectID, c.Type, c.Name, c.X, c.Y, c.Properties,
		); err != nil {
			return false, fmt.Errorf("failed to seed component %s: %w", c.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit seed transaction: %w", err)
	}
	return true, nil
}
