package store

import (
	"context"
	"database/sql"
	"time"
)

// ImportedFile is the bookkeeping row of one imported content file.
type ImportedFile struct {
	Path       string
	Hash       string
	ExamID     int64
	ImportedAt time.Time
}

// GetImportedFile returns the bookkeeping row for path. ok is false if the file was
// never imported.
func (s *Queries) GetImportedFile(ctx context.Context, path string) (f ImportedFile, ok bool, err error) {
	var at int64
	err = s.q.QueryRowContext(ctx,
		`SELECT path, hash, exam_id, imported_at FROM imported_files WHERE path = $1`, path,
	).Scan(&f.Path, &f.Hash, &f.ExamID, &at)
	if err == sql.ErrNoRows {
		return ImportedFile{}, false, nil
	}
	if err != nil {
		return ImportedFile{}, false, err
	}
	f.ImportedAt = fromMillis(at)
	return f, true, nil
}

// SetImportedFile upserts the bookkeeping row for an imported file.
func (s *Queries) SetImportedFile(ctx context.Context, f ImportedFile) error {
	if f.ImportedAt.IsZero() {
		f.ImportedAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO imported_files (path, hash, exam_id, imported_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (path) DO UPDATE SET hash = EXCLUDED.hash, exam_id = EXCLUDED.exam_id,
			imported_at = EXCLUDED.imported_at`,
		f.Path, f.Hash, f.ExamID, toMillis(f.ImportedAt),
	)
	return err
}
