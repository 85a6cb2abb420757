// Package provider implements document extensions that move document
// state in and out of the process: SQLite and flat-file persistence,
// and WebSocket sync. Each constructor returns a Registration ready to
// be listed in a workspace definition.
//
// Providers tag their own writes into the document with themselves as
// origin, so a provider never re-persists or re-sends what it just
// applied.
package provider

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftdoc/driftdoc/internal/crdt"
	"github.com/driftdoc/driftdoc/internal/extension"
)

//go:embed schema.sql
var schemaSQL string

// defaultCompactAfter bounds the delta log: past this many appended
// deltas the provider folds everything into a fresh snapshot.
const defaultCompactAfter = 64

// SQLiteOptions configures one SQLite persistence registration.
type SQLiteOptions struct {
	// Path is the database file. One database holds any number of
	// documents, keyed by document name.
	Path string

	// Key overrides the registration key, default "sqlite".
	Key  string
	Tags []string

	// CompactAfter overrides the delta-log compaction threshold.
	CompactAfter int

	Log *slog.Logger
}

// SQLite returns a persistence registration backed by a SQLite database
// in WAL mode. Loading the stored state is the extension's readiness;
// afterwards every transaction of the document is appended as a delta,
// with periodic compaction into a snapshot.
func SQLite(opts SQLiteOptions) extension.Registration {
	key := opts.Key
	if key == "" {
		key = "sqlite"
	}
	return extension.Registration{
		Key:  key,
		Tags: opts.Tags,
		New: func(ctx context.Context, fc *extension.FactoryContext) (*extension.Extension, error) {
			p, err := openSQLite(opts, fc.Doc)
			if err != nil {
				return nil, err
			}
			return &extension.Extension{
				Exports:   p,
				WhenReady: p.load,
				Destroy:   p.close,
				Purge:     p.purge,
			}, nil
		},
	}
}

// SQLiteProvider persists one document into a shared database.
type SQLiteProvider struct {
	db      *sql.DB
	doc     *crdt.Doc
	docName string
	log     *slog.Logger

	compactAfter int

	mu      sync.Mutex
	pending int
	updateH int
	closed  bool
}

func openSQLite(opts SQLiteOptions, doc *crdt.Doc) (*SQLiteProvider, error) {
	if doc.Name() == "" {
		return nil, fmt.Errorf("sqlite provider: document has no name")
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent document commits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	compactAfter := opts.CompactAfter
	if compactAfter <= 0 {
		compactAfter = defaultCompactAfter
	}

	return &SQLiteProvider{
		db:           db,
		doc:          doc,
		docName:      doc.Name(),
		log:          log,
		compactAfter: compactAfter,
	}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// load replays the stored snapshot and delta log into the document, then
// starts following its update feed.
func (p *SQLiteProvider) load(ctx context.Context) error {
	var state []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT state FROM snapshots WHERE doc = ?", p.docName).Scan(&state)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if len(state) > 0 {
		if err := p.doc.ApplyState(state, p); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}

	rows, err := p.db.QueryContext(ctx,
		"SELECT delta FROM deltas WHERE doc = ? ORDER BY id", p.docName)
	if err != nil {
		return fmt.Errorf("read deltas: %w", err)
	}
	defer rows.Close()

	replayed := 0
	for rows.Next() {
		var delta []byte
		if err := rows.Scan(&delta); err != nil {
			return fmt.Errorf("scan delta: %w", err)
		}
		if err := p.doc.ApplyUpdate(delta, p); err != nil {
			return fmt.Errorf("apply delta: %w", err)
		}
		replayed++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read deltas: %w", err)
	}

	p.mu.Lock()
	p.pending = replayed
	p.updateH = p.doc.OnUpdate(p.onUpdate)
	p.mu.Unlock()

	if replayed >= p.compactAfter {
		p.compact()
	}
	return nil
}

func (p *SQLiteProvider) onUpdate(u crdt.Update) {
	if u.Origin == p {
		return
	}

	_, err := p.db.Exec(
		"INSERT INTO deltas (doc, delta, created_at) VALUES (?, ?, ?)",
		p.docName, u.Delta, time.Now().UnixMilli())
	if err != nil {
		p.log.Error("append delta",
			slog.String("doc", p.docName), slog.Any("error", err))
		return
	}

	p.mu.Lock()
	p.pending++
	due := p.pending >= p.compactAfter
	p.mu.Unlock()
	if due {
		p.compact()
	}
}

// compact folds the current document state into the snapshot row and
// clears the delta log.
func (p *SQLiteProvider) compact() {
	state, err := p.doc.EncodeState()
	if err != nil {
		p.log.Error("encode state for compaction",
			slog.String("doc", p.docName), slog.Any("error", err))
		return
	}

	tx, err := p.db.Begin()
	if err != nil {
		p.log.Error("begin compaction", slog.Any("error", err))
		return
	}
	_, err = tx.Exec(`
		INSERT INTO snapshots (doc, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(doc) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		p.docName, state, time.Now().UnixMilli())
	if err == nil {
		_, err = tx.Exec("DELETE FROM deltas WHERE doc = ?", p.docName)
	}
	if err != nil {
		tx.Rollback()
		p.log.Error("compact", slog.String("doc", p.docName), slog.Any("error", err))
		return
	}
	if err := tx.Commit(); err != nil {
		p.log.Error("commit compaction", slog.Any("error", err))
		return
	}

	p.mu.Lock()
	p.pending = 0
	p.mu.Unlock()
}

// Flush forces a compaction, for shutdown paths that want a clean
// single-snapshot database.
func (p *SQLiteProvider) Flush() {
	p.compact()
}

func (p *SQLiteProvider) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	h := p.updateH
	p.mu.Unlock()

	p.doc.OffUpdate(h)
	return p.db.Close()
}

// purge erases everything persisted for this document. Destroy still
// runs afterwards and closes the database.
func (p *SQLiteProvider) purge() error {
	if _, err := p.db.Exec("DELETE FROM snapshots WHERE doc = ?", p.docName); err != nil {
		return fmt.Errorf("purge snapshot: %w", err)
	}
	if _, err := p.db.Exec("DELETE FROM deltas WHERE doc = ?", p.docName); err != nil {
		return fmt.Errorf("purge deltas: %w", err)
	}
	return nil
}
