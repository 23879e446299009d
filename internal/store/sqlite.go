package store

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/types"
)

func buildCreatePositionsTable() string {
	return `CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		rev TEXT NOT NULL,
		vehicle_id TEXT NOT NULL,
		body TEXT NOT NULL);`
}

// SQLite keeps documents in a single positions table.
type SQLite struct {
	db   *sql.DB
	path string
}

func openSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite target needs a file path")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if _, err := db.ExecContext(ctx, buildCreatePositionsTable()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init sqlite")
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Insert(ctx context.Context, f types.Feature) (Ref, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{ID: newID(), Rev: firstRev()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO positions (id, rev, vehicle_id, body) VALUES (?, ?, ?, ?)`,
		ref.ID, ref.Rev, f.VehicleID(), string(body))
	if err != nil {
		return Ref{}, errors.Wrap(err, "insert position")
	}
	return ref, nil
}

func (s *SQLite) List(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, rev, body FROM positions ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list positions")
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var (
			d    Document
			body string
		)
		if err := rows.Scan(&d.ID, &d.Rev, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &d.Feature); err != nil {
			return nil, errors.Wrapf(err, "decode position %s", d.ID)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLite) BulkDelete(ctx context.Context, refs []Ref) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin bulk delete")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM positions WHERE id = ? AND rev = ?`)
	if err != nil {
		return errors.Wrap(err, "prepare bulk delete")
	}
	defer stmt.Close()

	bulkErr := &BulkDeleteError{Requested: len(refs)}
	for _, ref := range refs {
		res, err := stmt.ExecContext(ctx, ref.ID, ref.Rev)
		if err != nil {
			bulkErr.add(ref, err)
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			bulkErr.add(ref, errors.Errorf("%s: not found or conflict", ref.ID))
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit bulk delete")
	}
	return bulkErr.orNil()
}

func (s *SQLite) Info(ctx context.Context) (Info, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		return Info{}, errors.Wrap(err, "count positions")
	}
	return Info{Backend: "sqlite", Name: s.path, DocCount: n}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
