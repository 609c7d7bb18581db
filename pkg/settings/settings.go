// Package settings defines the immutable analysis settings of the PWS and
// Dynamics analyses and their JSON interchange format.
//
// Decoding is strict: unknown fields and missing required fields are errors.
// Only pointer-typed fields are optional; they may be absent or null. Every
// encoded document carries a "version" field that must equal FormatVersion.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// FormatVersion is the version of the settings field set written by encode.
const FormatVersion = 1

const versionField = "version"

// fieldSets returns the JSON names of the required and optional fields of
// the struct pointed to by v.
func fieldSets(v any) (required, optional map[string]bool) {
	required = map[string]bool{}
	optional = map[string]bool{}
	t := reflect.TypeOf(v).Elem()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if f.Type.Kind() == reflect.Pointer {
			optional[name] = true
		} else {
			required[name] = true
		}
	}
	return required, optional
}

// decodeStrict unmarshals data into v, rejecting unknown fields and missing
// or null required fields.
func decodeStrict(data []byte, v any) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("error parsing settings: %w", err)
	}
	if err := checkVersion(raw); err != nil {
		return err
	}
	delete(raw, versionField)
	required, optional := fieldSets(v)

	var unknown []string
	for k := range raw {
		if !required[k] && !optional[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown settings fields: %s", strings.Join(unknown, ", "))
	}

	var missing []string
	for k := range required {
		val, ok := raw[k]
		if !ok || string(bytes.TrimSpace(val)) == "null" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing settings fields: %s", strings.Join(missing, ", "))
	}

	body, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("error parsing settings: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("error parsing settings: %w", err)
	}
	return nil
}

func checkVersion(raw map[string]json.RawMessage) error {
	val, ok := raw[versionField]
	if !ok {
		return fmt.Errorf("missing settings fields: %s", versionField)
	}
	var version int
	if err := json.Unmarshal(val, &version); err != nil {
		return fmt.Errorf("settings version %s is not an integer", val)
	}
	if version != FormatVersion {
		return fmt.Errorf("unsupported settings version %d, expected %d", version, FormatVersion)
	}
	return nil
}

// encode renders settings the way they are written to disk, stamped with
// FormatVersion.
func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error encoding settings: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("error encoding settings: %w", err)
	}
	fields[versionField] = json.RawMessage(strconv.Itoa(FormatVersion))
	if data, err = json.MarshalIndent(fields, "", "    "); err != nil {
		return nil, fmt.Errorf("error encoding settings: %w", err)
	}
	return data, nil
}

// filePath returns <dir>/<name>_<suffix>.json.
func filePath(dir, name, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.json", name, suffix))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing settings file: %w", err)
	}
	return nil
}
