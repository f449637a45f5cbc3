package migrate

import "fmt"

// CoreMigrations returns the tables the data layer itself writes to: the
// append-only revision history and the audit log
func CoreMigrations(dialect Dialect) []*Migration {
	tm := NewTypeMapper(dialect)
	ts := "TIMESTAMP"
	if dialect == Postgres {
		ts = "TIMESTAMPTZ"
	}

	return []*Migration{
		{
			Version: 1,
			Name:    "create_revisions",
			Up: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS revisions (
  %s,
  old_value TEXT,
  new_value TEXT,
  revisionable_type TEXT NOT NULL,
  revisionable_id BIGINT NOT NULL,
  key TEXT NOT NULL,
  user_id BIGINT,
  created_at %s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revisions_revisionable ON revisions(revisionable_type, revisionable_id);
`, tm.PrimaryKey(), ts),
			Down: "DROP TABLE IF EXISTS revisions;",
		},
		{
			Version: 2,
			Name:    "create_logs",
			Up: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS logs (
  %s,
  message TEXT NOT NULL,
  severity TEXT NOT NULL,
  user_id BIGINT,
  created_at %s NOT NULL
);
`, tm.PrimaryKey(), ts),
			Down: "DROP TABLE IF EXISTS logs;",
		},
	}
}
