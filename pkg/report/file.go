package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	indent = "    "
	prefix = ""
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

// Write stores data through a temporary file in the target directory so a
// reader never sees a half-written report.
func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// FileStore writes reports as JSON documents.
type FileStore struct {
	Path       string
	Serializer Serializer
	Writer     Writer
}

// NewFileStore returns a store writing indented JSON to path, overwriting
// any previous report.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		Path:       path,
		Serializer: JSONSerializer{Prefix: prefix, Indent: indent},
		Writer:     FileWriter{Overwrite: true},
	}
}

func (f *FileStore) Save(_ context.Context, r Report) error {
	if f.Path == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}
	bytes, err := f.Serializer.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := f.Writer.Write(f.Path, bytes); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func (f *FileStore) Close(context.Context) error { return nil }
