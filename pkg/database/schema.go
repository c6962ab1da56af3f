package database

import "fmt"

// schemaStatements create the coordinator keyspace tables. They are applied
// idempotently at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS records (
		entity text,
		id text,
		op_key text,
		payload blob,
		updated_at timestamp,
		PRIMARY KEY (entity, id)
	)`,
	`CREATE TABLE IF NOT EXISTS evaluations (
		task_id text,
		verifier_id text,
		evaluated_at timestamp,
		PRIMARY KEY (task_id, verifier_id)
	)`,
}

// EnsureSchema creates the tables the coordinator needs if they are missing.
func (c *Connection) EnsureSchema() error {
	for _, stmt := range schemaStatements {
		if err := c.session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
