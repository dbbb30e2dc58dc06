package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is a Repository persisted in a single SQLite file.
// Writers take the database lock up front (BEGIN IMMEDIATE) and wait up to
// the busy timeout; a lock that cannot be obtained surfaces as ErrConflict.
type SQLiteStore struct {
	db    *sql.DB
	root  NodeRef
	rules []Rule
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	id            TEXT PRIMARY KEY,
	parent_id     TEXT REFERENCES nodes(id),
	name          TEXT NOT NULL,
	type          TEXT NOT NULL,
	aspects       TEXT NOT NULL DEFAULT '[]',
	properties    TEXT NOT NULL DEFAULT '{}',
	has_content   INTEGER NOT NULL DEFAULT 0,
	content       BLOB,
	version_label TEXT NOT NULL DEFAULT '',
	created       INTEGER NOT NULL,
	modified      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_parent_name ON nodes(parent_id, name);

CREATE TABLE IF NOT EXISTS versions (
	node_id     TEXT NOT NULL REFERENCES nodes(id),
	seq         INTEGER NOT NULL,
	label       TEXT NOT NULL,
	content     BLOB,
	properties  TEXT NOT NULL DEFAULT '{}',
	created     INTEGER NOT NULL,
	PRIMARY KEY (node_id, seq)
);
`

// OpenSQLite opens (creating if needed) the store at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{db: db, rules: o.rules}
	if err := s.ensureRoot(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureRoot(ctx context.Context) error {
	return s.Update(ctx, func(tx Tx) error {
		st := tx.(*sqlTx)
		var id string
		err := st.q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'root'`).Scan(&id)
		if err == nil {
			s.root = NodeRef(id)
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read root: %w", err)
		}
		ref := NewRef()
		now := time.Now().UnixNano()
		if _, err := st.q.ExecContext(ctx,
			`INSERT INTO nodes (id, parent_id, name, type, created, modified) VALUES (?, NULL, '', 'cm:folder', ?, ?)`,
			string(ref), now, now); err != nil {
			return fmt.Errorf("create root: %w", err)
		}
		if _, err := st.q.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('root', ?)`, string(ref)); err != nil {
			return fmt.Errorf("record root: %w", err)
		}
		s.root = ref
		return nil
	})
}

// Root implements Repository.
func (s *SQLiteStore) Root(ctx context.Context) (NodeRef, error) {
	return s.root, nil
}

// Update implements Repository.
func (s *SQLiteStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	st := &sqlTx{ctx: ctx, q: tx, store: s, writable: true, rulesOff: RulesDisabled(ctx)}
	if err := fn(st); err != nil {
		_ = tx.Rollback() // safe to ignore
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// View implements Repository.
func (s *SQLiteStore) View(ctx context.Context, fn func(Tx) error) error {
	return classify(fn(&sqlTx{ctx: ctx, q: s.db, store: s}))
}

// Close implements Repository.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE && !errors.Is(err, ErrNameExists) {
			return fmt.Errorf("%w: %v", ErrNameExists, err)
		}
	}
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	ctx        context.Context
	q          querier
	store      *SQLiteStore
	writable   bool
	rulesOff   bool
	savepoints int
}

const nodeColumns = `id, parent_id, name, type, aspects, properties, has_content, content, version_label, created, modified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (*Node, error) {
	var (
		n                   Node
		parent              sql.NullString
		aspects, props      string
		hasContent          bool
		content             []byte
		created, modifiedNs int64
	)
	if err := r.Scan(&n.Ref, &parent, &n.Name, &n.Type, &aspects, &props, &hasContent, &content,
		&n.VersionLabel, &created, &modifiedNs); err != nil {
		return nil, err
	}
	n.Parent = NodeRef(parent.String)
	var err error
	if n.Aspects, err = decodeAspects(aspects); err != nil {
		return nil, err
	}
	if n.Properties, err = decodeProperties(props); err != nil {
		return nil, err
	}
	if hasContent {
		n.Content = content
		if n.Content == nil {
			n.Content = []byte{}
		}
	}
	n.Created = time.Unix(0, created).UTC()
	n.Modified = time.Unix(0, modifiedNs).UTC()
	return &n, nil
}

func (t *sqlTx) Node(ref NodeRef) (*Node, error) {
	row := t.q.QueryRowContext(t.ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, string(ref))
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", ref, err)
	}
	return n, nil
}

func (t *sqlTx) Child(parent NodeRef, name string) (*Node, error) {
	row := t.q.QueryRowContext(t.ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? AND name = ?`, string(parent), name)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", parent, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get child %s/%s: %w", parent, name, err)
	}
	return n, nil
}

func (t *sqlTx) Children(parent NodeRef) ([]*Node, error) {
	if err := t.exists(parent); err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(t.ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY name`, string(parent))
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *sqlTx) exists(ref NodeRef) error {
	var one int
	err := t.q.QueryRowContext(t.ctx, `SELECT 1 FROM nodes WHERE id = ?`, string(ref)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return err
}

func (t *sqlTx) Create(n *Node) (NodeRef, error) {
	if !t.writable {
		return "", ErrReadOnly
	}
	if err := t.exists(n.Parent); err != nil {
		return "", fmt.Errorf("parent: %w", err)
	}
	stored := n.Clone()
	if stored.Ref == "" {
		stored.Ref = NewRef()
	}
	if stored.Content != nil && stored.VersionLabel == "" {
		stored.VersionLabel = firstVersionLabel
	}
	if !t.rulesOff {
		applyRules(t.store.rules, stored)
	}
	props, err := encodeProperties(stored.Properties)
	if err != nil {
		return "", err
	}
	now := time.Now().UnixNano()
	_, err = t.q.ExecContext(t.ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(stored.Ref), string(stored.Parent), stored.Name, stored.Type,
		encodeAspects(stored.Aspects), props, stored.Content != nil, stored.Content,
		stored.VersionLabel, now, now)
	if err != nil {
		return "", classify(fmt.Errorf("insert %q: %w", stored.Name, err))
	}
	return stored.Ref, nil
}

func (t *sqlTx) write(n *Node, label string) error {
	props, err := encodeProperties(n.Properties)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(t.ctx,
		`UPDATE nodes SET type = ?, aspects = ?, properties = ?, has_content = ?, content = ?,
		 version_label = CASE WHEN ? = '' THEN version_label ELSE ? END, modified = ?
		 WHERE id = ?`,
		n.Type, encodeAspects(n.Aspects), props, n.Content != nil, n.Content,
		label, label, time.Now().UnixNano(), string(n.Ref))
	if err != nil {
		return classify(fmt.Errorf("update %s: %w", n.Ref, err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%s: %w", n.Ref, ErrNotFound)
	}
	return nil
}

func (t *sqlTx) Update(n *Node) error {
	if !t.writable {
		return ErrReadOnly
	}
	return t.write(n, n.VersionLabel)
}

func (t *sqlTx) AddVersion(n *Node) (string, error) {
	if !t.writable {
		return "", ErrReadOnly
	}
	cur, err := t.Node(n.Ref)
	if err != nil {
		return "", err
	}
	label := cur.VersionLabel
	if label == "" {
		label = firstVersionLabel
	}
	props, err := encodeProperties(cur.Properties)
	if err != nil {
		return "", err
	}
	_, err = t.q.ExecContext(t.ctx,
		`INSERT INTO versions (node_id, seq, label, content, properties, created)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM versions WHERE node_id = ?), ?, ?, ?, ?)`,
		string(cur.Ref), string(cur.Ref), label, cur.Content, props, cur.Modified.UnixNano())
	if err != nil {
		return "", classify(fmt.Errorf("freeze version %s: %w", cur.Ref, err))
	}
	next := nextVersionLabel(label)
	if err := t.write(n, next); err != nil {
		return "", err
	}
	return next, nil
}

func (t *sqlTx) WithAspect(aspect string) ([]NodeRef, error) {
	rows, err := t.q.QueryContext(t.ctx,
		`SELECT id FROM nodes WHERE EXISTS (SELECT 1 FROM json_each(nodes.aspects) WHERE json_each.value = ?)`, aspect)
	if err != nil {
		return nil, fmt.Errorf("nodes with aspect %s: %w", aspect, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []NodeRef
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		out = append(out, NodeRef(id))
	}
	return out, rows.Err()
}

func (t *sqlTx) Versions(ref NodeRef) ([]Version, error) {
	if err := t.exists(ref); err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(t.ctx,
		`SELECT label, content, properties, created FROM versions WHERE node_id = ? ORDER BY seq`, string(ref))
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []Version
	for rows.Next() {
		var (
			v       Version
			props   string
			created int64
		)
		if err := rows.Scan(&v.Label, &v.Content, &props, &created); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if v.Properties, err = decodeProperties(props); err != nil {
			return nil, err
		}
		v.Created = time.Unix(0, created).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *sqlTx) Savepoint(fn func() error) error {
	if !t.writable {
		return fn()
	}
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)
	if _, err := t.q.ExecContext(t.ctx, "SAVEPOINT "+name); err != nil {
		return classify(fmt.Errorf("savepoint: %w", err))
	}
	if err := fn(); err != nil {
		if _, rbErr := t.q.ExecContext(t.ctx, "ROLLBACK TO "+name); rbErr != nil {
			return errors.Join(err, classify(rbErr))
		}
		_, _ = t.q.ExecContext(t.ctx, "RELEASE "+name) // safe to ignore after rollback-to
		return err
	}
	if _, err := t.q.ExecContext(t.ctx, "RELEASE "+name); err != nil {
		return classify(fmt.Errorf("release savepoint: %w", err))
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
