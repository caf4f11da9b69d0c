package approvals

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

var placeholderRE = regexp.MustCompile(`\$\d+`)

// SQLStore keeps approval records in Postgres (via pgx) or SQLite (via
// modernc.org/sqlite). Queries are written with $N placeholders, each used
// once in ascending order, and rewritten to ? for SQLite.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var sqlDriver string
	switch driver {
	case DriverPostgres:
		sqlDriver = "pgx"
	case DriverSQLite:
		sqlDriver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported approvals driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("approvals dsn is required for driver %q", driver)
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open approvals database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection: an in-memory database is per connection, and a
		// single writer avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping approvals database: %w", err)
	}
	return NewSQLStore(db, driver), nil
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := Migrate(ctx, s.db, s.driver)
	return err
}

// Migrate runs pending migrations and returns the versions applied.
func Migrate(ctx context.Context, db *sql.DB, driver string) ([]int64, error) {
	dialect, err := gooseDialect(driver)
	if err != nil {
		return nil, err
	}
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	applied := make([]int64, 0, len(results))
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}

func gooseDialect(driver string) (goose.Dialect, error) {
	switch driver {
	case DriverPostgres:
		return goose.DialectPostgres, nil
	case DriverSQLite:
		return goose.DialectSQLite3, nil
	default:
		return "", fmt.Errorf("unsupported approvals driver %q", driver)
	}
}

func (s *SQLStore) q(query string) string {
	if s.driver == DriverSQLite {
		return placeholderRE.ReplaceAllString(query, "?")
	}
	return query
}

const selectColumns = `id, call_id, item_id, tool_call_id, action_name, arguments, requested_by, reasons, status, result, error, decided_by, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, rec Record) (Record, error) {
	rec, err := prepareCreate(rec, s.now())
	if err != nil {
		return Record{}, err
	}
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return Record{}, fmt.Errorf("encode arguments: %w", err)
	}
	reasons, err := json.Marshal(nonNilStrings(rec.Reasons))
	if err != nil {
		return Record{}, fmt.Errorf("encode reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO approvals (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`),
		rec.ID, rec.CallID, rec.ItemID, rec.ToolCallID, rec.ActionName, string(args),
		rec.RequestedBy, string(reasons), string(rec.Status), nullableJSON(rec.Result),
		rec.Error, rec.DecidedBy, rec.CreatedAt.Format(timeLayout), rec.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert approval: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+selectColumns+` FROM approvals WHERE id = $1`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get approval: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CallID != "" {
		args = append(args, filter.CallID)
		where = append(where, fmt.Sprintf("call_id = $%d", len(args)))
	}
	query := `SELECT ` + selectColumns + ` FROM approvals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, from Status, upd Update) (Record, error) {
	if !upd.Status.Valid() {
		return Record{}, fmt.Errorf("invalid target status %q", upd.Status)
	}
	now := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE approvals
		SET status = $1, result = $2, error = $3, decided_by = $4, updated_at = $5
		WHERE id = $6 AND status = $7`),
		string(upd.Status), nullableJSON(upd.Result), upd.Error, upd.DecidedBy, now, id, string(from),
	)
	if err != nil {
		return Record{}, fmt.Errorf("update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("update approval: %w", err)
	}
	if n == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%w: %s is %s, not %s", ErrConflict, id, current.Status, from)
	}
	return s.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                  Record
		args, reasons        string
		status               string
		result               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.CallID, &rec.ItemID, &rec.ToolCallID, &rec.ActionName, &args,
		&rec.RequestedBy, &reasons, &status, &result, &rec.Error, &rec.DecidedBy, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if err := json.Unmarshal([]byte(args), &rec.Arguments); err != nil {
		return Record{}, fmt.Errorf("decode arguments: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
		return Record{}, fmt.Errorf("decode reasons: %w", err)
	}
	if len(rec.Reasons) == 0 {
		rec.Reasons = nil
	}
	if result.Valid && result.String != "" {
		rec.Result = json.RawMessage(result.String)
	}
	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Record{}, fmt.Errorf("decode created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Record{}, fmt.Errorf("decode updated_at: %w", err)
	}
	return rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
