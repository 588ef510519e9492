// Package catalog keeps a SQLite index of every saved result across sessions,
// so history queries do not need to walk and parse metadata files.
package catalog

import (
	"cmp"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/daryltucker/forest-sweep/internal/output"
)

// FileName is the database file created under the result root.
const FileName = "catalog.db"

// Fixed-width so created_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one cataloged result.
type Record struct {
	ID           string
	Session      string
	Seq          int
	ItemTag      string
	Model        string
	CreatedAt    time.Time
	Success      bool
	ErrorKind    string
	ErrorMessage string
	Temperature  float64
	TopP         float64
	TopK         int
	Elapsed      float64
	Words        int
	Tokens       int
	ContentFile  string
	MetaFile     string
}

// FromEntry converts a finished batch entry into a catalog record.
func FromEntry(sessionID string, e output.Entry) Record {
	r := e.Result
	rec := Record{
		ID:          e.ID,
		Session:     sessionID,
		Seq:         e.Seq,
		ItemTag:     e.ItemTag,
		Model:       e.Model(),
		CreatedAt:   r.StartedAt,
		Success:     r.Success,
		Temperature: r.ConfigUsed.Temperature,
		TopP:        r.ConfigUsed.TopP,
		TopK:        r.ConfigUsed.TopK,
		Elapsed:     r.ElapsedSeconds,
		Words:       r.WordCount,
		Tokens:      r.TokenCount,
		ContentFile: e.ContentPath,
		MetaFile:    e.MetaPath,
	}
	if r.Error != nil {
		rec.ErrorKind = string(r.Error.Kind)
		rec.ErrorMessage = r.Error.Message
	}
	return rec
}

// Filter narrows Recent. Zero values match everything; Limit <= 0 means 20.
type Filter struct {
	Model       string
	Session     string
	SuccessOnly bool
	Limit       int
}

// Catalog wraps the SQLite database.
type Catalog struct {
	db *sql.DB
}

// Open returns the catalog stored under the result root dir, creating the
// file and schema on first use. dir ":memory:" gives a private in-memory
// catalog.
func Open(dir string) (*Catalog, error) {
	dsn := dir
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catalog dir %s: %w", dir, err)
		}
		dsn = filepath.Join(dir, FileName)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", dsn, err)
	}
	// One connection: concurrent batch items queue their inserts, and an
	// in-memory database stays a single database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog %s: %s: %w", dsn, pragma, err)
		}
	}

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog %s: %w", dsn, err)
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// migration is one embedded schema step, named NNN_description.sql.
type migration struct {
	version int
	name    string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	steps := make([]migration, 0, len(files))
	for _, f := range files {
		name := path.Base(f)
		prefix, _, _ := strings.Cut(name, "_")
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s has no numeric prefix", name)
		}
		steps = append(steps, migration{version: v, name: name})
	}
	slices.SortFunc(steps, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return steps, nil
}

// migrate brings the schema up to the newest embedded migration. Each step
// runs in its own transaction together with its schema_version row.
func (c *Catalog) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("schema_version: %w", err)
	}

	var current int
	if err := c.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("schema_version: %w", err)
	}

	steps, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range steps {
		if m.version <= current {
			continue
		}
		if err := c.apply(m); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		output.Logger.Debug("Catalog migrated", "version", m.version)
	}
	return nil
}

func (c *Catalog) apply(m migration) error {
	ddl, err := migrationsFS.ReadFile("migrations/" + m.name)
	if err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(ddl)); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
		return err
	}
	return tx.Commit()
}

// Record inserts one result row.
func (c *Catalog) Record(r Record) error {
	if r.ID == "" {
		return errors.New("catalog record needs an id")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := c.db.Exec(`
		INSERT INTO results (id, session, seq, item_tag, model, created_at, success, error_kind, error_message,
			temperature, top_p, top_k, elapsed_s, words, tokens, content_file, meta_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Session, r.Seq, r.ItemTag, r.Model, created.UTC().Format(timeLayout), r.Success,
		r.ErrorKind, r.ErrorMessage, r.Temperature, r.TopP, r.TopK, r.Elapsed, r.Words, r.Tokens,
		r.ContentFile, r.MetaFile,
	)
	if err != nil {
		return fmt.Errorf("recording result %s: %w", r.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, session, seq, item_tag, model, created_at, success, error_kind, error_message,
	temperature, top_p, top_k, elapsed_s, words, tokens, content_file, meta_file FROM results`

// Recent lists rows matching f, newest first.
func (c *Catalog) Recent(f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Model != "" {
		where = append(where, "model = ?")
		args = append(args, f.Model)
	}
	if f.Session != "" {
		where = append(where, "session = ?")
		args = append(args, f.Session)
	}
	if f.SuccessOnly {
		where = append(where, "success = 1")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)
	return c.query(q, args...)
}

// Fastest lists successful rows ranked by elapsed time.
func (c *Catalog) Fastest(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	return c.query(selectColumns+" WHERE success = 1 ORDER BY elapsed_s ASC, created_at ASC LIMIT ?", limit)
}

func (c *Catalog) query(q string, args ...any) ([]Record, error) {
	rows, err := c.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			created string
		)
		if err := rows.Scan(&r.ID, &r.Session, &r.Seq, &r.ItemTag, &r.Model, &created, &r.Success, &r.ErrorKind,
			&r.ErrorMessage, &r.Temperature, &r.TopP, &r.TopK, &r.Elapsed, &r.Words, &r.Tokens,
			&r.ContentFile, &r.MetaFile); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		out = append(out, r)
	}
	return out, rows.Err()
}
