// Package adminindex mirrors rotated segments into a queryable table
// for operator tooling: "how much data does project X have on disk",
// "when did stream Y last rotate", without walking the blob store.
// It is a side index, never the system of record — losing it costs an
// operator some visibility, never data.
package adminindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/streamhub/streamhub/internal/streamactor"
)

const schema = `
CREATE TABLE IF NOT EXISTS segments_admin (
	project_id  VARCHAR NOT NULL,
	stream_id   VARCHAR NOT NULL,
	read_seq    UBIGINT NOT NULL,
	start_seq   UBIGINT NOT NULL,
	start_byte  UBIGINT NOT NULL,
	end_seq     UBIGINT NOT NULL,
	end_byte    UBIGINT NOT NULL,
	blob_key    VARCHAR NOT NULL,
	size_bytes  BIGINT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (project_id, stream_id, read_seq)
);
`

// Index is a duckdb-backed implementation of streamactor.SegmentIndex.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) a duckdb database file at path and
// ensures the segments_admin table exists. Use ":memory:" for tests.
func Open(path string) (*Index, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create segments_admin: %w", err)
	}
	return &Index{db: db}, nil
}

// RecordSegment inserts or replaces the admin row for one rotated segment.
func (idx *Index) RecordSegment(ctx context.Context, row streamactor.SegmentRow) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO segments_admin
			(project_id, stream_id, read_seq, start_seq, start_byte, end_seq, end_byte, blob_key, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ProjectID, row.StreamID, row.ReadSeq,
		row.StartOff.ReadSeq, row.StartOff.ByteOffset,
		row.EndOff.ReadSeq, row.EndOff.ByteOffset,
		row.BlobKey, row.SizeBytes, row.CreatedAt,
	)
	return err
}

// DeleteStream drops every admin row for a deleted stream.
func (idx *Index) DeleteStream(ctx context.Context, projectID, streamID string) error {
	_, err := idx.db.ExecContext(ctx,
		`DELETE FROM segments_admin WHERE project_id = ? AND stream_id = ?`,
		projectID, streamID)
	return err
}

// StreamSegments lists every recorded segment for a stream, oldest first.
type StreamSegment struct {
	ReadSeq   uint64
	BlobKey   string
	SizeBytes int64
	StartOff  streamactor.Offset
	EndOff    streamactor.Offset
	CreatedAt time.Time
}

func (idx *Index) StreamSegments(ctx context.Context, projectID, streamID string) ([]StreamSegment, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT read_seq, start_seq, start_byte, end_seq, end_byte, blob_key, size_bytes, created_at
		FROM segments_admin
		WHERE project_id = ? AND stream_id = ?
		ORDER BY read_seq ASC`, projectID, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamSegment
	for rows.Next() {
		var s StreamSegment
		if err := rows.Scan(&s.ReadSeq, &s.StartOff.ReadSeq, &s.StartOff.ByteOffset,
			&s.EndOff.ReadSeq, &s.EndOff.ByteOffset, &s.BlobKey, &s.SizeBytes, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ProjectBytes sums size_bytes across every rotated segment for a project,
// the figure behind a simple storage-usage admin endpoint.
func (idx *Index) ProjectBytes(ctx context.Context, projectID string) (int64, error) {
	var total sql.NullInt64
	err := idx.db.QueryRowContext(ctx,
		`SELECT SUM(size_bytes) FROM segments_admin WHERE project_id = ?`, projectID,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}
