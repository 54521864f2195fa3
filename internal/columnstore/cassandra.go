// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package columnstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/hemant/cassq/internal/errors"
)

// CassandraStore implements Store on Cassandra via gocql.
//
// The row key is the partition key and the column name is the clustering
// column, so GetRange maps directly onto a slice query and reverse scans
// onto ORDER BY ... DESC. Last-write-wins and TTL are native.
type CassandraStore struct {
	session *gocql.Session
	table   string
}

// NewCassandraStore creates a Store over an existing gocql session.
// The table must live in the session's keyspace; use EnsureSchema to
// create it.
func NewCassandraStore(session *gocql.Session, table string) *CassandraStore {
	if table == "" {
		table = "cassq_columns"
	}
	return &CassandraStore{session: session, table: table}
}

// EnsureSchema creates the backing table if it does not exist.
func (s *CassandraStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		row text,
		name text,
		value blob,
		PRIMARY KEY (row, name)
	) WITH CLUSTERING ORDER BY (name ASC)`, s.table)
	if err := s.session.Query(q).WithContext(ctx).Exec(); err != nil {
		return errors.E(errors.Op("columnstore.EnsureSchema"), errors.Unavailable, err)
	}
	return nil
}

func (s *CassandraStore) Put(ctx context.Context, row string, col Column, ttl time.Duration) error {
	q := fmt.Sprintf("INSERT INTO %s (row, name, value) VALUES (?, ?, ?)", s.table)
	if col.Timestamp != 0 {
		// gocql timestamps are microseconds.
		q += fmt.Sprintf(" USING TIMESTAMP %d", col.Timestamp/1000)
		if ttl > 0 {
			q += fmt.Sprintf(" AND TTL %d", int(ttl.Seconds()))
		}
	} else if ttl > 0 {
		q += fmt.Sprintf(" USING TTL %d", int(ttl.Seconds()))
	}
	if err := s.session.Query(q, row, col.Name, col.Value).WithContext(ctx).Exec(); err != nil {
		return errors.E(errors.Op("columnstore.Put"), errors.Unavailable, err)
	}
	return nil
}

func (s *CassandraStore) PutBatch(ctx context.Context, row string, cols []Column, ttl time.Duration) error {
	for _, col := range cols {
		if err := s.Put(ctx, row, col, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (s *CassandraStore) PutIfAbsent(ctx context.Context, row string, col Column, ttl time.Duration) (bool, error) {
	q := fmt.Sprintf("INSERT INTO %s (row, name, value) VALUES (?, ?, ?) IF NOT EXISTS", s.table)
	if ttl > 0 {
		q = fmt.Sprintf("INSERT INTO %s (row, name, value) VALUES (?, ?, ?) IF NOT EXISTS USING TTL %d", s.table, int(ttl.Seconds()))
	}
	applied, err := s.session.Query(q, row, col.Name, col.Value).WithContext(ctx).ScanCAS(nil, nil, nil)
	if err != nil {
		return false, errors.E(errors.Op("columnstore.PutIfAbsent"), errors.Unavailable, err)
	}
	return applied, nil
}

func (s *CassandraStore) PutIfEqual(ctx context.Context, row string, col Column, expected []byte, ttl time.Duration) (bool, error) {
	q := fmt.Sprintf("UPDATE %s SET value = ? WHERE row = ? AND name = ? IF value = ?", s.table)
	if ttl > 0 {
		q = fmt.Sprintf("UPDATE %s USING TTL %d SET value = ? WHERE row = ? AND name = ? IF value = ?", s.table, int(ttl.Seconds()))
	}
	applied, err := s.session.Query(q, col.Value, row, col.Name, expected).WithContext(ctx).ScanCAS(nil)
	if err != nil {
		return false, errors.E(errors.Op("columnstore.PutIfEqual"), errors.Unavailable, err)
	}
	return applied, nil
}

func (s *CassandraStore) DeleteColumnIfEqual(ctx context.Context, row, name string, expected []byte) (bool, error) {
	q := fmt.Sprintf("DELETE FROM %s WHERE row = ? AND name = ? IF value = ?", s.table)
	applied, err := s.session.Query(q, row, name, expected).WithContext(ctx).ScanCAS(nil)
	if err != nil {
		return false, errors.E(errors.Op("columnstore.DeleteColumnIfEqual"), errors.Unavailable, err)
	}
	return applied, nil
}

func (s *CassandraStore) GetColumn(ctx context.Context, row, name string) (Column, error) {
	var value []byte
	var writetime int64
	q := fmt.Sprintf("SELECT value, writetime(value) FROM %s WHERE row = ? AND name = ?", s.table)
	err := s.session.Query(q, row, name).WithContext(ctx).Scan(&value, &writetime)
	if err == gocql.ErrNotFound {
		return Column{}, errors.ErrColumnNotFound
	}
	if err != nil {
		return Column{}, errors.E(errors.Op("columnstore.GetColumn"), errors.Unavailable, err)
	}
	return Column{Name: name, Value: value, Timestamp: writetime * 1000}, nil
}

func (s *CassandraStore) GetRange(ctx context.Context, row, exclusiveStart, inclusiveEnd string, limit int, reverse bool) ([]Column, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT name, value, writetime(value) FROM %s WHERE row = ?", s.table)
	args := []interface{}{row}
	if exclusiveStart != "" {
		sb.WriteString(" AND name > ?")
		args = append(args, exclusiveStart)
	}
	if inclusiveEnd != "" {
		sb.WriteString(" AND name <= ?")
		args = append(args, inclusiveEnd)
	}
	if reverse {
		sb.WriteString(" ORDER BY name DESC")
	}
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	iter := s.session.Query(sb.String(), args...).WithContext(ctx).Iter()
	var out []Column
	var name string
	var value []byte
	var writetime int64
	for iter.Scan(&name, &value, &writetime) {
		col := Column{Name: name, Value: append([]byte(nil), value...), Timestamp: writetime * 1000}
		out = append(out, col)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.E(errors.Op("columnstore.GetRange"), errors.Unavailable, err)
	}
	return out, nil
}

func (s *CassandraStore) DeleteColumn(ctx context.Context, row, name string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE row = ? AND name = ?", s.table)
	if err := s.session.Query(q, row, name).WithContext(ctx).Exec(); err != nil {
		return errors.E(errors.Op("columnstore.DeleteColumn"), errors.Unavailable, err)
	}
	return nil
}

func (s *CassandraStore) DeleteRow(ctx context.Context, row string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE row = ?", s.table)
	if err := s.session.Query(q, row).WithContext(ctx).Exec(); err != nil {
		return errors.E(errors.Op("columnstore.DeleteRow"), errors.Unavailable, err)
	}
	return nil
}

func (s *CassandraStore) ListRows(ctx context.Context, prefix string) ([]string, error) {
	q := fmt.Sprintf("SELECT DISTINCT row FROM %s", s.table)
	iter := s.session.Query(q).WithContext(ctx).Iter()
	var out []string
	var row string
	for iter.Scan(&row) {
		if strings.HasPrefix(row, prefix) {
			out = append(out, row)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, errors.E(errors.Op("columnstore.ListRows"), errors.Unavailable, err)
	}
	return out, nil
}

func (s *CassandraStore) Ping(ctx context.Context) error {
	if err := s.session.Query("SELECT release_version FROM system.local").WithContext(ctx).Exec(); err != nil {
		return errors.E(errors.Op("columnstore.Ping"), errors.Unavailable, err)
	}
	return nil
}

func (s *CassandraStore) Close() error {
	s.session.Close()
	return nil
}
