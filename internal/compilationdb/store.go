// Package compilationdb persists compiled ROI records to a SQL table keyed by
// analysis name, cell, ROI name and ROI number. SQLite is the default
// backend; Postgres is reached through the pgx database/sql driver.
package compilationdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"pwsanalysis/pkg/compilation"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("compilation record not found")

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const ddl = `CREATE TABLE IF NOT EXISTS roi_compilations (
	analysis_name TEXT NOT NULL,
	cell_id_tag TEXT NOT NULL,
	roi_name TEXT NOT NULL,
	roi_number INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (analysis_name, cell_id_tag, roi_name, roi_number)
)`

// Row is a stored record.
type Row struct {
	compilation.Key
	Kind    string
	Metrics map[string]float64
	Series  map[string][]float64
}

// Store writes and reads compiled records.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the table if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported compilation database driver %q", driver)
	}
	openMu.Lock()
	db, err := sqlOpen(driver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Batch workers write concurrently; sqlite takes one writer at a time.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure compilation table: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Put inserts rec or replaces the record with the same key.
func (s *Store) Put(ctx context.Context, rec compilation.Record) error {
	payload, err := encodePayload(rec.Metrics(), rec.Series())
	if err != nil {
		return err
	}
	k := rec.RecordKey()
	q := s.rebind(`INSERT INTO roi_compilations
		(analysis_name, cell_id_tag, roi_name, roi_number, kind, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (analysis_name, cell_id_tag, roi_name, roi_number)
		DO UPDATE SET kind = excluded.kind, payload = excluded.payload`)
	if _, err := s.db.ExecContext(ctx, q, k.AnalysisName, k.CellIDTag, k.RoiName, k.RoiNumber, rec.Kind(), payload); err != nil {
		return fmt.Errorf("store compilation %s/%s/%s_%d: %w", k.AnalysisName, k.CellIDTag, k.RoiName, k.RoiNumber, err)
	}
	return nil
}

// Get returns the record stored under k.
func (s *Store) Get(ctx context.Context, k compilation.Key) (Row, error) {
	q := s.rebind(`SELECT kind, payload FROM roi_compilations
		WHERE analysis_name = ? AND cell_id_tag = ? AND roi_name = ? AND roi_number = ?`)
	var kind, payload string
	err := s.db.QueryRowContext(ctx, q, k.AnalysisName, k.CellIDTag, k.RoiName, k.RoiNumber).Scan(&kind, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("select compilation: %w", err)
	}
	return decodeRow(k, kind, payload)
}

// List returns every record of one analysis ordered by cell, ROI name and number.
func (s *Store) List(ctx context.Context, analysisName string) ([]Row, error) {
	q := s.rebind(`SELECT cell_id_tag, roi_name, roi_number, kind, payload FROM roi_compilations
		WHERE analysis_name = ? ORDER BY cell_id_tag, roi_name, roi_number`)
	rows, err := s.db.QueryContext(ctx, q, analysisName)
	if err != nil {
		return nil, fmt.Errorf("select compilations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Row
	for rows.Next() {
		k := compilation.Key{AnalysisName: analysisName}
		var kind, payload string
		if err := rows.Scan(&k.CellIDTag, &k.RoiName, &k.RoiNumber, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan compilation: %w", err)
		}
		row, err := decodeRow(k, kind, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compilations: %w", err)
	}
	return out, nil
}

// jsonFloat encodes NaN and ±Inf as null.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = jsonFloat(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

type payload struct {
	Metrics map[string]jsonFloat   `json:"metrics"`
	Series  map[string][]jsonFloat `json:"series,omitempty"`
}

func encodePayload(metrics map[string]float64, series map[string][]float64) (string, error) {
	p := payload{Metrics: make(map[string]jsonFloat, len(metrics))}
	for k, v := range metrics {
		p.Metrics[k] = jsonFloat(v)
	}
	for k, s := range series {
		if s == nil {
			continue
		}
		if p.Series == nil {
			p.Series = map[string][]jsonFloat{}
		}
		vals := make([]jsonFloat, len(s))
		for i, v := range s {
			vals[i] = jsonFloat(v)
		}
		p.Series[k] = vals
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode compilation payload: %w", err)
	}
	return string(data), nil
}

func decodeRow(k compilation.Key, kind, raw string) (Row, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Row{}, fmt.Errorf("decode compilation payload: %w", err)
	}
	row := Row{Key: k, Kind: kind, Metrics: make(map[string]float64, len(p.Metrics))}
	for name, v := range p.Metrics {
		row.Metrics[name] = float64(v)
	}
	for name, s := range p.Series {
		if row.Series == nil {
			row.Series = map[string][]float64{}
		}
		vals := make([]float64, len(s))
		for i, v := range s {
			vals[i] = float64(v)
		}
		row.Series[name] = vals
	}
	return row, nil
}
