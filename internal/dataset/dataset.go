// Package dataset implements a small self-describing container file: a set
// of named datasets (float64 arrays with a shape, or strings) plus
// file-level string attributes, stored in a single SQLite database.
package dataset

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Format is stored in every file under the "format" attribute.
const Format = "pwsanalysis-dataset/1"

const (
	kindArray  = "float64"
	kindString = "string"
)

var (
	// ErrNotFound is returned for a dataset or attribute that is not in the file.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by Create when the target file already exists.
	ErrExists = errors.New("file already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	name TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	shape TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS attributes (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// Writer builds a new container. Nothing is visible at the final path until
// Close succeeds.
type Writer struct {
	db   *sql.DB
	tx   *sql.Tx
	path string
	tmp  string
}

// Create starts a new container at path. It fails with ErrExists if the file
// is already there.
func Create(path string) (*Writer, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("create %s: %w", path, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	tmp := path + ".partial"
	_ = os.Remove(tmp)
	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("create dataset tables: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		_ = db.Close()
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("begin: %w", err)
	}
	w := &Writer{db: db, tx: tx, path: path, tmp: tmp}
	if err := w.SetAttr("format", Format); err != nil {
		_ = w.Abort()
		return nil, err
	}
	return w, nil
}

// PutArray stores a float64 array. The product of shape must equal len(data).
func (w *Writer) PutArray(name string, shape []int, data []float64) error {
	size := 1
	for _, s := range shape {
		size *= s
	}
	if size != len(data) {
		return fmt.Errorf("dataset %s: shape %v does not hold %d values", name, shape, len(data))
	}
	shapeJSON, err := json.Marshal(shape)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, 8*len(data))
	for _, v := range data {
		payload = binary.LittleEndian.AppendUint64(payload, math.Float64bits(v))
	}
	if _, err := w.tx.Exec(`INSERT INTO datasets (name, kind, shape, payload) VALUES (?, ?, ?, ?)`,
		name, kindArray, string(shapeJSON), payload); err != nil {
		return fmt.Errorf("write dataset %s: %w", name, err)
	}
	return nil
}

// PutString stores a string dataset.
func (w *Writer) PutString(name, value string) error {
	if _, err := w.tx.Exec(`INSERT INTO datasets (name, kind, shape, payload) VALUES (?, ?, ?, ?)`,
		name, kindString, "[]", []byte(value)); err != nil {
		return fmt.Errorf("write dataset %s: %w", name, err)
	}
	return nil
}

// SetAttr sets a file-level attribute.
func (w *Writer) SetAttr(key, value string) error {
	if _, err := w.tx.Exec(`INSERT INTO attributes (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("write attribute %s: %w", key, err)
	}
	return nil
}

// Close commits the container and moves it to its final path.
func (w *Writer) Close() error {
	if err := w.tx.Commit(); err != nil {
		_ = w.db.Close()
		_ = os.Remove(w.tmp)
		return fmt.Errorf("commit %s: %w", w.path, err)
	}
	if err := w.db.Close(); err != nil {
		_ = os.Remove(w.tmp)
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	if _, err := os.Stat(w.path); err == nil {
		_ = os.Remove(w.tmp)
		return fmt.Errorf("create %s: %w", w.path, ErrExists)
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		return fmt.Errorf("rename %s: %w", w.path, err)
	}
	return nil
}

// Abort discards everything written so far.
func (w *Writer) Abort() error {
	_ = w.tx.Rollback()
	err := w.db.Close()
	_ = os.Remove(w.tmp)
	return err
}

// File is an open container. It is safe for concurrent reads.
type File struct {
	db   *sql.DB
	path string
}

// Open opens an existing container for reading.
func Open(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	f := &File{db: db, path: path}
	format, err := f.Attr("format")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: not a dataset file: %w", path, err)
	}
	if format != Format {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: unsupported format %q", path, format)
	}
	return f, nil
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// Close releases the file handle.
func (f *File) Close() error { return f.db.Close() }

// Names lists every dataset in the file in name order.
func (f *File) Names() ([]string, error) {
	rows, err := f.db.Query(`SELECT name FROM datasets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (f *File) load(name, kind string) ([]int, []byte, error) {
	var gotKind, shapeJSON string
	var payload []byte
	err := f.db.QueryRow(`SELECT kind, shape, payload FROM datasets WHERE name = ?`, name).
		Scan(&gotKind, &shapeJSON, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("dataset %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read dataset %s: %w", name, err)
	}
	if gotKind != kind {
		return nil, nil, fmt.Errorf("dataset %s holds %s, not %s", name, gotKind, kind)
	}
	var shape []int
	if err := json.Unmarshal([]byte(shapeJSON), &shape); err != nil {
		return nil, nil, fmt.Errorf("dataset %s: bad shape: %w", name, err)
	}
	return shape, payload, nil
}

// Array reads a float64 dataset and its shape.
func (f *File) Array(name string) ([]int, []float64, error) {
	shape, payload, err := f.load(name, kindArray)
	if err != nil {
		return nil, nil, err
	}
	if len(payload)%8 != 0 {
		return nil, nil, fmt.Errorf("dataset %s: truncated payload", name)
	}
	data := make([]float64, len(payload)/8)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
	}
	size := 1
	for _, s := range shape {
		size *= s
	}
	if size != len(data) {
		return nil, nil, fmt.Errorf("dataset %s: shape %v does not match %d values", name, shape, len(data))
	}
	return shape, data, nil
}

// String reads a string dataset.
func (f *File) String(name string) (string, error) {
	_, payload, err := f.load(name, kindString)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Attr reads a file-level attribute.
func (f *File) Attr(key string) (string, error) {
	var v string
	err := f.db.QueryRow(`SELECT value FROM attributes WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("attribute %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read attribute %s: %w", key, err)
	}
	return v, nil
}
