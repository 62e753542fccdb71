package filestore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/andrej220/vdctl/internal/lg"
	"github.com/andrej220/vdctl/pkg/config/configstore"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var (
	_ configstore.ConfigStore = (*FileStore)(nil)
	_ configstore.Watcher     = (*FileStore)(nil)
)

type format int

const (
	formatYAML format = iota
	formatTOML
)

// FileStore reads and writes a single config file. Files ending in .toml
// are TOML, everything else is YAML.
type FileStore struct {
	Path   string
	Logger lg.Logger
}

func New(path string) *FileStore {
	return &FileStore{Path: path, Logger: lg.Discard}
}

func (f *FileStore) format() format {
	if strings.EqualFold(filepath.Ext(f.Path), ".toml") {
		return formatTOML
	}
	return formatYAML
}

func (f *FileStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("Load: failed to read file %s: %w", f.Path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("Load: config file %s is empty", f.Path)
	}

	switch f.format() {
	case formatTOML:
		if _, err := toml.Decode(string(data), out); err != nil {
			return fmt.Errorf("Load: failed to parse TOML in %s: %w", f.Path, err)
		}
	default:
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("Load: failed to parse YAML in %s: %w", f.Path, err)
		}
	}
	return nil
}

func (f *FileStore) marshal(in any) ([]byte, error) {
	if f.format() == formatTOML {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(in); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return yaml.Marshal(in)
}

// Save replaces the file atomically with owner-only permissions.
func (f *FileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}

	data, err := f.marshal(in)
	if err != nil {
		return fmt.Errorf("Save: failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("Save: failed to create directory for %s: %w", f.Path, err)
	}
	tmpPath := f.Path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("Save: failed to write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("Save: failed to replace %s with %s: %w", f.Path, tmpPath, err)
	}
	return nil
}

// Watch calls onChange whenever the file is written or replaced. The
// directory is watched rather than the file so that atomic renames, ours
// included, are seen.
func (f *FileStore) Watch(onChange func()) (func(), error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback cannot be nil")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.Path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch file %s: %w", f.Path, err)
	}

	logger := f.Logger
	if logger == nil {
		logger = lg.Discard
	}
	target := filepath.Clean(f.Path)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", lg.String("path", f.Path), lg.Err(err))
			}
		}
	}()

	stop := func() {
		watcher.Close()
		<-done
	}
	return stop, nil
}
