// Package alias expands short user-defined command names into full
// commands before they are parsed.
package alias

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/semabot/semabot/internal/logging"
)

// Alias is one name/expansion pair.
type Alias struct {
	Name    string
	Command string
}

// fileFormat is the layout of the alias file:
//
//	aliases:
//	  deploy: run 1 3 --tags=deploy
type fileFormat struct {
	Aliases map[string]string `yaml:"aliases"`
}

// Store holds aliases from the config file merged with those from an
// optional alias file. File entries override config entries.
type Store struct {
	mu     sync.RWMutex
	static map[string]string
	file   map[string]string
	path   string
	log    *slog.Logger
}

// NewStore creates a store from inline aliases and an optional file path.
// A missing file is not an error; it is picked up once it appears.
func NewStore(static map[string]string, path string) (*Store, error) {
	s := &Store{
		static: normalize(static),
		file:   map[string]string{},
		path:   path,
		log:    logging.WithComponent("alias"),
	}
	if path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Reload re-reads the alias file.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.setFile(map[string]string{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read alias file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse alias file: %w", err)
	}
	s.setFile(normalize(f.Aliases))
	return nil
}

func (s *Store) setFile(m map[string]string) {
	s.mu.Lock()
	s.file = m
	s.mu.Unlock()
	s.log.Debug("Aliases loaded", slog.Int("count", len(m)), slog.String("path", s.path))
}

// Resolve expands the first word of text if it names an alias. Any
// remaining words are appended to the expansion. Expansion is not
// recursive.
func (s *Store) Resolve(text string) (string, bool) {
	text = strings.TrimSpace(text)
	name, rest, _ := strings.Cut(text, " ")

	cmd, ok := s.lookup(strings.ToLower(name))
	if !ok {
		return text, false
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		cmd += " " + rest
	}
	return cmd, true
}

func (s *Store) lookup(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cmd, ok := s.file[name]; ok {
		return cmd, true
	}
	cmd, ok := s.static[name]
	return cmd, ok
}

// List returns the merged aliases sorted by name.
func (s *Store) List() []Alias {
	s.mu.RLock()
	merged := make(map[string]string, len(s.static)+len(s.file))
	for k, v := range s.static {
		merged[k] = v
	}
	for k, v := range s.file {
		merged[k] = v
	}
	s.mu.RUnlock()

	out := make([]Alias, 0, len(merged))
	for k, v := range merged {
		out = append(out, Alias{Name: k, Command: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch reloads the alias file whenever it changes until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file are handled.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)
	s.log.Info("Watching alias file", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				// Keep serving the previous aliases.
				s.log.Warn("Alias reload failed", slog.Any("error", err))
				continue
			}
			s.log.Info("Aliases reloaded", slog.String("op", event.Op.String()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("Alias watcher error", slog.Any("error", err))
		}
	}
}

func normalize(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
