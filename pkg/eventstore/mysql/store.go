package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-hclog"

	"github.com/caseworks/caseflow/pkg/eventstore"
)

// Store persists event streams in a single MySQL table,
// please use NewStore to create a new object of this type.
type Store struct {
	db     *sql.DB
	logger hclog.Logger
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}
	s := &Store{
		db:     db,
		logger: hclog.Default().Named("mysql-event-store"),
	}
	if err := s.initTables(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ eventstore.Store = &Store{}

func (s *Store) initTables() error {
	query := `CREATE TABLE IF NOT EXISTS events (
		stream_name VARCHAR(255) NOT NULL,
		version BIGINT NOT NULL,
		event_id VARCHAR(255) NOT NULL,
		aggregate_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(255) NOT NULL,
		data JSON,
		timestamp TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (stream_name, version),
		UNIQUE KEY uk_event_id (event_id),
		INDEX idx_aggregate_id (aggregate_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

func (s *Store) ReadStream(ctx context.Context, streamName string) ([]eventstore.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, aggregate_id, version, event_type, data, timestamp
		 FROM events WHERE stream_name = ? ORDER BY version ASC`, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", streamName, err)
	}
	defer rows.Close()

	res := make([]eventstore.StoredEvent, 0)
	for rows.Next() {
		evt := eventstore.StoredEvent{StreamName: streamName}
		if err := rows.Scan(&evt.ID, &evt.AggregateID, &evt.Version, &evt.Type, &evt.Data, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan stored event: %w", err)
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func (s *Store) StreamVersion(ctx context.Context, streamName string) (int64, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM events WHERE stream_name = ?`, streamName).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read stream version of %s: %w", streamName, err)
	}
	return version.Int64, nil
}

func (s *Store) AppendToStream(ctx context.Context, streamName string, expectedVersion int64, events []eventstore.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM events WHERE stream_name = ? FOR UPDATE`, streamName).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read current version of stream %s: %w", streamName, err)
	}
	if current.Int64 != expectedVersion {
		return fmt.Errorf("stream %s is at version %d, expected %d: %w",
			streamName, current.Int64, expectedVersion, eventstore.ErrVersionConflict)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (stream_name, version, event_id, aggregate_id, event_type, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare append statement: %w", err)
	}
	defer stmt.Close()
	for _, evt := range events {
		if _, err := stmt.ExecContext(ctx, streamName, evt.Version, evt.ID, evt.AggregateID, evt.Type, evt.Data, evt.Timestamp); err != nil {
			return fmt.Errorf("failed to append event %s to stream %s: %w", evt.ID, streamName, err)
		}
	}
	return tx.Commit()
}
