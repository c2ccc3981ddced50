package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/core/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
	type         TEXT NOT NULL,
	primary_key  TEXT NOT NULL,
	uuid         TEXT NOT NULL DEFAULT '',
	attributes   TEXT NOT NULL DEFAULT '{}',
	sources      TEXT NOT NULL DEFAULT '[]',
	permissions  TEXT NOT NULL DEFAULT '[]',
	embedding    TEXT NOT NULL DEFAULT '[]',
	last_updated TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (type, primary_key)
);

CREATE TABLE IF NOT EXISTS entity_match (
	type        TEXT NOT NULL,
	match_key   TEXT NOT NULL,
	primary_key TEXT NOT NULL,
	PRIMARY KEY (type, match_key, primary_key),
	FOREIGN KEY (type, primary_key) REFERENCES entities(type, primary_key) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_entity_match_owner ON entity_match(type, primary_key);

CREATE TABLE IF NOT EXISTS relations (
	id           TEXT PRIMARY KEY,
	from_type    TEXT NOT NULL,
	from_key     TEXT NOT NULL,
	to_type      TEXT NOT NULL,
	to_key       TEXT NOT NULL,
	tag          TEXT NOT NULL,
	descriptions TEXT NOT NULL DEFAULT '[]',
	strength     REAL NOT NULL DEFAULT 0,
	permissions  TEXT NOT NULL DEFAULT '[]',
	sources      TEXT NOT NULL DEFAULT '[]',
	created_at   TEXT NOT NULL DEFAULT '',
	last_updated TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (from_type, from_key) REFERENCES entities(type, primary_key),
	FOREIGN KEY (to_type, to_key) REFERENCES entities(type, primary_key)
);

CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_type, from_key);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_type, to_key);
`

const entityColumns = `e.type, e.primary_key, e.uuid, e.attributes, e.sources, e.permissions, e.embedding, e.last_updated`

// SQLiteStore persists the canonical graph in a single SQLite file. Match keys live
// in entity_match so finds are index lookups.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", errors.Join(apperr.ErrStoreUnavailable, err))
	}
	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

func (s *SQLiteStore) FindByAttribute(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error) {
	return s.find(ctx, entityType, ScalarKey(attribute, value))
}

func (s *SQLiteStore) FindByListMembership(ctx context.Context, entityType, attribute string, value any) ([]model.CanonicalEntity, error) {
	return s.find(ctx, entityType, MemberKey(attribute, value))
}

func (s *SQLiteStore) find(ctx context.Context, entityType, key string) ([]model.CanonicalEntity, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM entity_match m
		JOIN entities e ON e.type = m.type AND e.primary_key = m.primary_key
		WHERE m.type = ? AND m.match_key = ?
		ORDER BY e.primary_key
	`, entityType, key)
	if err != nil {
		return nil, apperr.NewStorageError("find", err)
	}
	defer rows.Close()

	var out []model.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, apperr.NewStorageError("find", err)
		}
		out = append(out, e)
	}
	return out, apperr.NewStorageError("find", rows.Err())
}

// Upsert writes the entity row and replaces its match keys in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, e model.CanonicalEntity) error {
	if e.Ref().IsZero() {
		return apperr.NewStorageError("upsert", fmt.Errorf("entity without type or primary key"))
	}
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return apperr.NewStorageError("upsert", fmt.Errorf("encode attributes: %w", err))
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.NewStorageError("upsert", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (type, primary_key, uuid, attributes, sources, permissions, embedding, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, primary_key) DO UPDATE SET
			uuid         = CASE WHEN excluded.uuid = '' THEN entities.uuid ELSE excluded.uuid END,
			attributes   = excluded.attributes,
			sources      = excluded.sources,
			permissions  = excluded.permissions,
			embedding    = excluded.embedding,
			last_updated = excluded.last_updated
	`, e.Type, e.PrimaryKey, e.UUID, string(attrs), encodeJSON(e.Sources), encodeJSON(e.Permissions),
		encodeJSON(e.Embedding), formatTime(e.LastUpdated))
	if err != nil {
		return apperr.NewStorageError("upsert", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_match WHERE type = ? AND primary_key = ?`, e.Type, e.PrimaryKey); err != nil {
		return apperr.NewStorageError("upsert", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO entity_match (type, match_key, primary_key) VALUES (?, ?, ?)`)
	if err != nil {
		return apperr.NewStorageError("upsert", fmt.Errorf("prepare match insert: %w", err))
	}
	defer stmt.Close()
	for _, key := range MatchKeys(e.Attributes) {
		if _, err := stmt.ExecContext(ctx, e.Type, key, e.PrimaryKey); err != nil {
			return apperr.NewStorageError("upsert", err)
		}
	}

	return apperr.NewStorageError("upsert", tx.Commit())
}

func (s *SQLiteStore) UpsertRelation(ctx context.Context, from, to model.EntityRef, r model.RelationRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO relations (id, from_type, from_key, to_type, to_key, tag, descriptions, strength, permissions, sources, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			descriptions = excluded.descriptions,
			strength     = excluded.strength,
			permissions  = excluded.permissions,
			sources      = excluded.sources,
			last_updated = excluded.last_updated
	`, r.ID, from.Type, from.Key, to.Type, to.Key, r.Tag, encodeJSON(r.Descriptions), r.Strength,
		encodeJSON(r.Permissions), encodeJSON(r.Sources), formatTime(r.CreatedAt), formatTime(r.LastUpdated))
	return apperr.NewStorageError("upsert relation", err)
}

func (s *SQLiteStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.CanonicalEntity, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities e WHERE e.type = ? AND e.primary_key = ?
	`, ref.Type, ref.Key)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.NewStorageError("get entity", err)
	}
	return &e, nil
}

func (s *SQLiteStore) GetRelation(ctx context.Context, id string) (*model.RelationRecord, error) {
	var (
		r                                 model.RelationRecord
		descriptions, permissions, sources string
		createdAt, lastUpdated            string
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, from_type, from_key, to_type, to_key, tag, descriptions, strength, permissions, sources, created_at, last_updated
		FROM relations WHERE id = ?
	`, id).Scan(&r.ID, &r.From.Type, &r.From.Key, &r.To.Type, &r.To.Key, &r.Tag, &descriptions, &r.Strength,
		&permissions, &sources, &createdAt, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.NewStorageError("get relation", err)
	}
	if err := decodeAll(
		decodeInto(descriptions, &r.Descriptions),
		decodeInto(permissions, &r.Permissions),
		decodeInto(sources, &r.Sources),
	); err != nil {
		return nil, apperr.NewStorageError("get relation", err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.LastUpdated = parseTime(lastUpdated)
	return &r, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (model.Stats, error) {
	stats := model.Stats{Entities: make(map[string]int)}
	rows, err := s.conn.QueryContext(ctx, `SELECT type, count(*) FROM entities GROUP BY type`)
	if err != nil {
		return stats, apperr.NewStorageError("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return stats, apperr.NewStorageError("stats", err)
		}
		stats.Entities[typ] = n
	}
	if err := rows.Err(); err != nil {
		return stats, apperr.NewStorageError("stats", err)
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT count(*) FROM relations`).Scan(&stats.Relations); err != nil {
		return stats, apperr.NewStorageError("stats", err)
	}
	return stats, nil
}

// BuildIndices is a no-op; the schema creates its indices on open.
func (s *SQLiteStore) BuildIndices(ctx context.Context) error { return nil }

func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.conn.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc scanner) (model.CanonicalEntity, error) {
	var (
		e                                            model.CanonicalEntity
		attrs, sources, permissions, embedding, last string
	)
	if err := sc.Scan(&e.Type, &e.PrimaryKey, &e.UUID, &attrs, &sources, &permissions, &embedding, &last); err != nil {
		return e, err
	}
	if err := decodeAll(
		decodeInto(attrs, &e.Attributes),
		decodeInto(sources, &e.Sources),
		decodeInto(permissions, &e.Permissions),
		decodeInto(embedding, &e.Embedding),
	); err != nil {
		return e, err
	}
	e.LastUpdated = parseTime(last)
	return e, nil
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func decodeInto(data string, target any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return nil
}

func decodeAll(errs ...error) error {
	return errors.Join(errs...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
