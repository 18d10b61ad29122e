package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/secret"
)

// MaxNameLength is the longest key name accepted, in characters.
const MaxNameLength = 100

// touchTimeout bounds the best-effort last_used_at update made by ValidateAPIKey.
const touchTimeout = 2 * time.Second

// Supported values for Options.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options configures Open.
type Options struct {
	Driver       string // sqlite (default), postgres or mysql
	DSN          string // sqlite: file path or ":memory:"
	MaxOpenConns int    // ignored for sqlite, which always uses one connection
	Logger       *slog.Logger
}

// Store persists API keys. It owns the database handle and a fixed set of
// prepared statements built once by Open; it holds no other mutable state.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
	stmts  statements
}

type statements struct {
	insert      *sqlx.NamedStmt
	getByID     *sqlx.Stmt
	getByHash   *sqlx.Stmt
	listActive  *sqlx.Stmt
	listAll     *sqlx.Stmt
	revoke      *sqlx.Stmt
	remove      *sqlx.Stmt
	rename      *sqlx.Stmt
	touch       *sqlx.Stmt
	countActive *sqlx.Stmt
}

// NewStore opens a SQLite store in dataDir. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	dsn, err := SQLiteDSN(dataDir)
	if err != nil {
		return nil, err
	}
	return Open(Options{Driver: DriverSQLite, DSN: dsn})
}

// SQLiteDSN returns the DSN of the SQLite database kept in dataDir, creating
// the directory if needed. An empty dataDir means in-memory.
func SQLiteDSN(dataDir string) (string, error) {
	if dataDir == "" {
		return ":memory:", nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", errors.Wrap(err, "create data dir")
	}
	return "file:" + filepath.Join(dataDir, "keygate.db") +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
}

// Open connects to the configured database, applies migrations and prepares
// all statements.
func Open(opts Options) (*Store, error) {
	driver, sqlDriver, err := resolveDriver(opts.Driver)
	if err != nil {
		return nil, err
	}
	dsn := opts.DSN
	if driver == DriverSQLite && dsn == "" {
		dsn = ":memory:"
	}

	db, err := sqlx.Connect(sqlDriver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open key database")
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := newStore(db, driver, opts.Logger)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate key database")
	}
	if err := s.prepare(context.Background()); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "prepare statements")
	}
	return s, nil
}

func newStore(db *sqlx.DB, driver string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		driver: driver,
		logger: logger,
		now:    time.Now,
	}
}

// NormalizeDriver maps a driver name or alias to one of the Driver constants.
func NormalizeDriver(name string) (string, error) {
	driver, _, err := resolveDriver(name)
	return driver, err
}

func resolveDriver(name string) (driver, sqlDriver string, err error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, "sqlite", nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, "pgx", nil
	case "mysql":
		return DriverMySQL, "mysql", nil
	default:
		return "", "", errors.Errorf("unsupported store driver %q", name)
	}
}

// Driver returns the normalized driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// Close releases the prepared statements and the database connection.
func (s *Store) Close() error {
	for _, st := range []*sqlx.Stmt{
		s.stmts.getByID, s.stmts.getByHash, s.stmts.listActive, s.stmts.listAll,
		s.stmts.revoke, s.stmts.remove, s.stmts.rename, s.stmts.touch, s.stmts.countActive,
	} {
		if st != nil {
			st.Close()
		}
	}
	if s.stmts.insert != nil {
		s.stmts.insert.Close()
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

const selectAPIKeySQL = `SELECT id, name, prefix, key_hash, permissions, created_at,
	last_used_at, expires_at, revoked FROM api_keys`

const insertAPIKeySQL = `INSERT INTO api_keys
	(id, name, prefix, key_hash, permissions, created_at, last_used_at, expires_at, revoked)
	VALUES
	(:id, :name, :prefix, :key_hash, :permissions, :created_at, :last_used_at, :expires_at, :revoked)`

func (s *Store) prepare(ctx context.Context) error {
	plain := []struct {
		dst   **sqlx.Stmt
		query string
	}{
		{&s.stmts.getByID, selectAPIKeySQL + ` WHERE id = ?`},
		{&s.stmts.getByHash, selectAPIKeySQL +
			` WHERE key_hash = ? AND revoked = FALSE AND (expires_at IS NULL OR expires_at > ?)`},
		{&s.stmts.listActive, selectAPIKeySQL + ` WHERE revoked = FALSE ORDER BY created_at DESC, id DESC`},
		{&s.stmts.listAll, selectAPIKeySQL + ` ORDER BY created_at DESC, id DESC`},
		{&s.stmts.revoke, `UPDATE api_keys SET revoked = TRUE WHERE id = ? AND revoked = FALSE`},
		{&s.stmts.remove, `DELETE FROM api_keys WHERE id = ?`},
		{&s.stmts.rename, `UPDATE api_keys SET name = ? WHERE id = ?`},
		{&s.stmts.touch, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`},
		{&s.stmts.countActive, `SELECT COUNT(*) FROM api_keys WHERE revoked = FALSE`},
	}
	for _, p := range plain {
		stmt, err := s.db.PreparexContext(ctx, s.db.Rebind(p.query))
		if err != nil {
			return errors.Wrapf(err, "prepare %q", p.query)
		}
		*p.dst = stmt
	}

	insert, err := s.db.PrepareNamedContext(ctx, insertAPIKeySQL)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	s.stmts.insert = insert
	return nil
}

// ---------------------------------------------------------------------------
// Rows
// ---------------------------------------------------------------------------

// keyRow maps 1:1 to the api_keys table. Timestamps are stored as epoch
// milliseconds and permissions as a JSON array so the schema is identical on
// every supported driver.
type keyRow struct {
	ID          string        `db:"id"`
	Name        string        `db:"name"`
	Prefix      string        `db:"prefix"`
	KeyHash     string        `db:"key_hash"`
	Permissions string        `db:"permissions"`
	CreatedAt   int64         `db:"created_at"`
	LastUsedAt  sql.NullInt64 `db:"last_used_at"`
	ExpiresAt   sql.NullInt64 `db:"expires_at"`
	Revoked     bool          `db:"revoked"`
}

func keyRowFromModel(k *model.APIKey) (keyRow, error) {
	perms, err := json.Marshal(k.Permissions)
	if err != nil {
		return keyRow{}, errors.Wrap(err, "marshal permissions")
	}
	return keyRow{
		ID:          k.ID,
		Name:        k.Name,
		Prefix:      k.Prefix,
		KeyHash:     k.KeyHash,
		Permissions: string(perms),
		CreatedAt:   k.CreatedAt.UnixMilli(),
		LastUsedAt:  nullMillis(k.LastUsedAt),
		ExpiresAt:   nullMillis(k.ExpiresAt),
		Revoked:     k.Revoked,
	}, nil
}

func (r keyRow) toModel() (model.APIKey, error) {
	var perms []string
	if err := json.Unmarshal([]byte(r.Permissions), &perms); err != nil {
		return model.APIKey{}, errors.Wrapf(err, "unmarshal permissions of key %s", r.ID)
	}
	return model.APIKey{
		ID:          r.ID,
		Name:        r.Name,
		Prefix:      r.Prefix,
		KeyHash:     r.KeyHash,
		Permissions: perms,
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
		LastUsedAt:  timeFromNull(r.LastUsedAt),
		ExpiresAt:   timeFromNull(r.ExpiresAt),
		Revoked:     r.Revoked,
	}, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

// CreateAPIKey issues a new key and persists its digest. The returned
// plaintext is the only copy of the secret; it is not recoverable later.
// A nil permissions slice defaults to ["*"]. A non-nil expiresAt must lie in
// the future.
func (s *Store) CreateAPIKey(ctx context.Context, name string, permissions []string, expiresAt *time.Time) (string, *model.APIKey, error) {
	name, err := normalizeName(name)
	if err != nil {
		return "", nil, err
	}
	perms, err := normalizePermissions(permissions)
	if err != nil {
		return "", nil, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	var expires *time.Time
	if expiresAt != nil {
		e := expiresAt.UTC().Truncate(time.Millisecond)
		if !e.After(now) {
			return "", nil, invalid("expiresAt", "must be in the future")
		}
		expires = &e
	}

	plaintext, err := secret.Generate()
	if err != nil {
		return "", nil, storageErr("generate api key", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", nil, storageErr("generate api key id", err)
	}

	key := &model.APIKey{
		ID:          id.String(),
		Name:        name,
		Prefix:      secret.DisplayPrefix(plaintext),
		KeyHash:     secret.Digest(plaintext),
		Permissions: perms,
		CreatedAt:   now,
		ExpiresAt:   expires,
	}
	if err := s.insertAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

func (s *Store) insertAPIKey(ctx context.Context, key *model.APIKey) error {
	row, err := keyRowFromModel(key)
	if err != nil {
		return storageErr("insert api key", err)
	}
	if _, err := s.stmts.insert.ExecContext(ctx, row); err != nil {
		return storageErr("insert api key", err)
	}
	return nil
}

// ValidateAPIKey resolves a plaintext key to its record. It returns nil with
// no error when the key is unknown, revoked or expired. On success the
// key's last_used_at is updated best-effort: a failed update is logged and
// otherwise ignored.
func (s *Store) ValidateAPIKey(ctx context.Context, plaintext string) (*model.APIKey, error) {
	now := s.now().UTC()

	var row keyRow
	err := s.stmts.getByHash.GetContext(ctx, &row, secret.Digest(plaintext), now.UnixMilli())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("get api key by hash", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, storageErr("get api key by hash", err)
	}

	if key.Revoked || key.IsExpired(now) {
		return nil, nil
	}

	if used, ok := s.touch(ctx, key.ID, now); ok {
		key.LastUsedAt = &used
	}
	return &key, nil
}

// touch records a successful validation. It never fails the caller.
func (s *Store) touch(ctx context.Context, id string, now time.Time) (time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()

	used := now.Truncate(time.Millisecond)
	if _, err := s.stmts.touch.ExecContext(ctx, used.UnixMilli(), id); err != nil {
		s.logger.Debug("update api key last used failed", "key_id", id, "error", err)
		return time.Time{}, false
	}
	return used, true
}

// GetAPIKey returns a key by ID, or nil if no such key exists.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	var row keyRow
	if err := s.stmts.getByID.GetContext(ctx, &row, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("get api key", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, storageErr("get api key", err)
	}
	return &key, nil
}

// ListAPIKeys returns keys newest first. Revoked keys are included only when
// includeRevoked is set.
func (s *Store) ListAPIKeys(ctx context.Context, includeRevoked bool) ([]model.APIKey, error) {
	stmt := s.stmts.listActive
	if includeRevoked {
		stmt = s.stmts.listAll
	}

	var rows []keyRow
	if err := stmt.SelectContext(ctx, &rows); err != nil {
		return nil, storageErr("list api keys", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, storageErr("list api keys", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// RevokeAPIKey marks a key as revoked. It reports whether a row changed, so
// revoking an unknown or already revoked key returns false.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) (bool, error) {
	result, err := s.stmts.revoke.ExecContext(ctx, id)
	if err != nil {
		return false, storageErr("revoke api key", err)
	}
	return affected(result, "revoke api key")
}

// DeleteAPIKey permanently removes a key, revoked or not.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) (bool, error) {
	result, err := s.stmts.remove.ExecContext(ctx, id)
	if err != nil {
		return false, storageErr("delete api key", err)
	}
	return affected(result, "delete api key")
}

// RenameAPIKey changes a key's name. The name is validated as in CreateAPIKey.
func (s *Store) RenameAPIKey(ctx context.Context, id, name string) (bool, error) {
	name, err := normalizeName(name)
	if err != nil {
		return false, err
	}
	result, err := s.stmts.rename.ExecContext(ctx, name, id)
	if err != nil {
		return false, storageErr("rename api key", err)
	}
	changed, err := affected(result, "rename api key")
	if err != nil || changed || s.driver != DriverMySQL {
		return changed, err
	}
	// MySQL reports zero affected rows when the value is unchanged.
	key, err := s.GetAPIKey(ctx, id)
	if err != nil {
		return false, err
	}
	return key != nil, nil
}

// CountActiveAPIKeys returns the number of keys that are not revoked.
func (s *Store) CountActiveAPIKeys(ctx context.Context) (int, error) {
	var n int
	if err := s.stmts.countActive.GetContext(ctx, &n); err != nil {
		return 0, storageErr("count api keys", err)
	}
	return n, nil
}

func affected(result sql.Result, op string) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr(op+" rows affected", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------------
// Input validation
// ---------------------------------------------------------------------------

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name", "is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", invalid("name", "must be at most 100 characters")
	}
	return name, nil
}

// normalizePermissions applies the ["*"] default, trims entries and drops
// duplicates while keeping the first occurrence.
func normalizePermissions(perms []string) ([]string, error) {
	if perms == nil {
		return []string{model.PermissionAll}, nil
	}
	if len(perms) == 0 {
		return nil, invalid("permissions", "must not be empty")
	}

	out := make([]string, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, invalid("permissions", "entries must be non-empty strings")
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}
