package jsonfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// WriteFile serializes v as two-space-indented JSON and writes it to path,
// creating parent directories as needed. No locking: callers that need
// read-modify-write atomicity go through LockedTransform instead.
func WriteFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadFile parses the JSON file at path into out. A missing file is not an
// error: it returns (false, nil) and leaves out untouched. I/O and parse
// failures propagate.
func ReadFile(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// Remove deletes path recursively. A path that does not exist is success.
func Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// CountInDir counts the request files in dir without reading them. An
// absent directory counts zero.
func CountInDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list %s: %w", dir, err)
	}
	n := 0
	for _, entry := range entries {
		if requestName.MatchString(entry.Name()) {
			n++
		}
	}
	return n, nil
}

// LoadAllInDir reads every request file in dir, ordered ascending by
// (epoch, pid, counter) as parsed from the filenames. Entries that do not
// match the request filename grammar are ignored; an absent directory
// yields an empty result.
func LoadAllInDir(dir string) ([]json.RawMessage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	type numbered struct {
		epoch, pid, counter int64
		name                string
	}
	var files []numbered
	for _, entry := range entries {
		m := requestName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		epoch, _ := strconv.ParseInt(m[1], 10, 64)
		pid, _ := strconv.ParseInt(m[2], 10, 64)
		counter, _ := strconv.ParseInt(m[3], 10, 64)
		files = append(files, numbered{epoch, pid, counter, entry.Name()})
	}
	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.epoch != b.epoch {
			return a.epoch < b.epoch
		}
		if a.pid != b.pid {
			return a.pid < b.pid
		}
		return a.counter < b.counter
	})

	values := make([]json.RawMessage, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Join(dir, f.name), err)
		}
		values = append(values, json.RawMessage(data))
	}
	return values, nil
}
