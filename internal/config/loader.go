package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultFileName is the processes file looked up next to the executable.
const DefaultFileName = "processes.json"

// DefaultPath returns processes.json in the directory of the running binary,
// falling back to the current directory when the executable cannot be resolved.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return DefaultFileName
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Join(filepath.Dir(exe), DefaultFileName)
}

// Load reads the processes file at path. A missing or empty file yields an
// empty document which is written back to disk before returning.
func Load(path string) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve processes path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("read processes file: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		doc := &File{}
		doc.applyDefaults()
		if err := Save(absPath, doc); err != nil {
			return nil, fmt.Errorf("create processes file: %w", err)
		}
		return doc, nil
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return doc, nil
}

// Parse decodes and validates a processes document.
func Parse(data []byte) (*File, error) {
	var raw any
	rawDecoder := json.NewDecoder(bytes.NewReader(data))
	rawDecoder.UseNumber()
	if err := rawDecoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var doc File
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	doc.applyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Marshal renders the document as indented JSON.
func Marshal(doc *File) ([]byte, error) {
	out := doc.Clone()
	if out == nil {
		out = &File{}
	}
	out.applyDefaults()
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode processes file: %w", err)
	}
	return append(data, '\n'), nil
}

// Save writes doc to path through a temporary file in the same directory so a
// crash never leaves a truncated document behind.
func Save(path string, doc *File) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".processes-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write processes file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close processes file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace processes file: %w", err)
	}
	return nil
}

// FileStore persists registry snapshots to a fixed path.
type FileStore struct {
	Path string
}

// Save writes doc to the store path.
func (s FileStore) Save(doc *File) error {
	return Save(s.Path, doc)
}
