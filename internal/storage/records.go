package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jeremieb/developer-diary/internal/scene"
)

// createdLayout is fixed-width so lexical order in SQLite equals time order.
const createdLayout = "2006-01-02T15:04:05.000000000Z"

const recordColumns = `id, title, note, created_at, scene, preview_uri`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var createdAt, stored string
	if err := row.Scan(&r.ID, &r.Title, &r.Note, &createdAt, &stored, &r.PreviewURI); err != nil {
		return Record{}, err
	}
	t, err := time.Parse(createdLayout, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at for record %s: %w", r.ID, err)
	}
	r.CreatedAt = t
	r.Scene = scene.Parse(stored)
	return r, nil
}

// SaveRecord inserts a new record. A zero CreatedAt is set to now.
func (s *Store) SaveRecord(r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Title, r.Note, r.CreatedAt.UTC().Format(createdLayout), r.Scene.Stored(), r.PreviewURI,
	)
	return err
}

func (s *Store) GetRecord(id string) (Record, error) {
	r, err := scanRecord(s.db.QueryRow(`SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

// UpdateRecord replaces the title, note and scene of an existing record.
// CreatedAt is immutable. The stored preview location survives when the
// scene is unchanged and is cleared otherwise; r.PreviewURI is ignored so a
// stale read cannot overwrite a location written since.
func (s *Store) UpdateRecord(r Record) error {
	stored := r.Scene.Stored()
	// SET expressions see the row as it was before the update.
	res, err := s.db.Exec(`
		UPDATE records SET
			title = ?,
			note = ?,
			preview_uri = CASE WHEN scene = ? THEN preview_uri ELSE '' END,
			scene = ?
		WHERE id = ?`,
		r.Title, r.Note, stored, stored, r.ID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SetPreviewURI records where the preview rendered from sc was persisted.
// It returns ErrSceneChanged when the record now holds a different scene and
// ErrNotFound when the record is gone.
func (s *Store) SetPreviewURI(id string, sc scene.Descriptor, uri string) error {
	res, err := s.db.Exec(`UPDATE records SET preview_uri = ? WHERE id = ? AND scene = ?`, uri, id, sc.Stored())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetRecord(id); err != nil {
		return err
	}
	return ErrSceneChanged
}

func (s *Store) DeleteRecord(id string) error {
	res, err := s.db.Exec(`DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ListRecords returns records newest first. A limit <= 0 returns all rows.
func (s *Store) ListRecords(limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(`
		SELECT `+recordColumns+` FROM records
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecordIDs returns the set of all record ids.
func (s *Store) RecordIDs() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT id FROM records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
