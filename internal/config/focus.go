package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/roach88/strand/internal/logging"
	"github.com/roach88/strand/internal/streamid"
)

// Focus is what the user is looking at, as written to the focus file by
// whatever drives navigation.
type Focus struct {
	HighPriority []streamid.ID
	Favorites    []streamid.ID
}

type focusFile struct {
	HighPriority []string `yaml:"high_priority"`
	Favorites    []string `yaml:"favorites"`
}

// LoadFocus reads a YAML focus file.
func LoadFocus(path string) (Focus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Focus{}, fmt.Errorf("read focus file: %w", err)
	}
	var raw focusFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Focus{}, fmt.Errorf("parse focus file %s: %w", path, err)
	}
	hp, err := ParseStreamIDs(raw.HighPriority)
	if err != nil {
		return Focus{}, fmt.Errorf("focus file %s: high_priority: %w", path, err)
	}
	fav, err := ParseStreamIDs(raw.Favorites)
	if err != nil {
		return Focus{}, fmt.Errorf("focus file %s: favorites: %w", path, err)
	}
	return Focus{HighPriority: hp, Favorites: fav}, nil
}

// FocusDebounce is how long the watcher waits for writes to settle.
const FocusDebounce = 100 * time.Millisecond

// WatchFocusFile calls onChange with the contents of path now (if it
// exists) and after every change, until ctx is done. The containing
// directory is watched so editors that replace the file are seen.
// Unreadable versions of the file are logged and skipped.
func WatchFocusFile(ctx context.Context, path string, log *logrus.Entry, onChange func(Focus)) error {
	log = logging.OrDiscard(log).WithField("focus_file", path)
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create focus watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	reload := func() {
		focus, err := LoadFocus(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.WithError(err).Warn("focus file unreadable")
			}
			return
		}
		log.WithFields(logrus.Fields{
			"high_priority": len(focus.HighPriority),
			"favorites":     len(focus.Favorites),
		}).Debug("focus changed")
		onChange(focus)
	}
	if _, err := os.Stat(path); err == nil {
		reload()
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(FocusDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("focus watcher error")
		case <-debounce:
			debounce = nil
			reload()
		}
	}
}
