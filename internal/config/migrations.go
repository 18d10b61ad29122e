package config

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateKeyName is ER_DUP_KEYNAME, raised when an index already exists.
const mysqlDuplicateKeyName = 1061

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			prefix VARCHAR(32) NOT NULL,
			key_hash CHAR(64) NOT NULL,
			permissions TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_used_at BIGINT,
			expires_at BIGINT,
			revoked BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE UNIQUE INDEX idx_api_keys_key_hash ON api_keys(key_hash)`,
		`CREATE INDEX idx_api_keys_revoked ON api_keys(revoked)`,
		`CREATE INDEX idx_api_keys_created_at ON api_keys(created_at)`,
	}

	for _, m := range migrations {
		// MySQL has no CREATE INDEX IF NOT EXISTS; the other drivers do.
		if s.driver != DriverMySQL {
			m = strings.Replace(m, "INDEX idx_", "INDEX IF NOT EXISTS idx_", 1)
		}
		if _, err := s.db.Exec(m); err != nil {
			if isDuplicateIndex(err) {
				continue
			}
			return errors.Wrapf(err, "migration failed\nSQL: %s", m)
		}
	}
	return nil
}

func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateKeyName
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
