package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoWeights is returned when a rules directory yields no enabled indicators
var ErrNoWeights = errors.New("no enabled weight tables found")

// Loader handles loading weight tables from a rules directory
type Loader struct {
	rulesDir   string
	hotReload  bool
	logger     *slog.Logger
	mu         sync.RWMutex
	snapshot   *WeightSnapshot
	watchers   []chan struct{}
	debounceMs int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLoader creates a new weight table loader
func NewLoader(rulesDir string, hotReload bool, debounceMs int, logger *slog.Logger) *Loader {
	return &Loader{
		rulesDir:   rulesDir,
		hotReload:  hotReload,
		logger:     logger,
		debounceMs: debounceMs,
		stop:       make(chan struct{}),
	}
}

// LoadSnapshot loads and merges all weight tables from the rules directory.
// Files are applied in filename order; a later file overrides indicators set
// by an earlier one.
func (l *Loader) LoadSnapshot() (*WeightSnapshot, error) {
	l.logger.Info("Loading weight tables", "rules_dir", l.rulesDir)

	files, err := l.readRuleFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read rule files: %w", err)
	}

	merged := make(map[string]int)
	var summaries []FileSummary

	for _, file := range files {
		tables, err := l.loadTablesFromFile(file)
		if err != nil {
			l.logger.Warn("Failed to load weight tables from file", "file", file, "error", err)
			continue
		}

		for _, table := range tables {
			summaries = append(summaries, FileSummary{
				Filename:   file,
				Name:       table.Metadata.Name,
				Indicators: len(table.Spec.Weights),
				Enabled:    table.Spec.Enabled,
			})

			if !table.Spec.Enabled {
				l.logger.Debug("Skipping disabled weight table", "name", table.Metadata.Name, "file", file)
				continue
			}

			if err := table.Validate(); err != nil {
				l.logger.Warn("Invalid weight table skipped", "name", table.Metadata.Name, "file", file, "error", err)
				continue
			}

			for indicator, weight := range table.Spec.Weights {
				key := strings.ToLower(strings.TrimSpace(indicator))
				if old, exists := merged[key]; exists && old != weight {
					l.logger.Info("Indicator weight overridden by later file",
						"indicator", key,
						"old_weight", old,
						"new_weight", weight,
						"file", file)
				}
				merged[key] = weight
			}
		}
	}

	if len(merged) == 0 {
		return nil, ErrNoWeights
	}

	snapshot := &WeightSnapshot{
		Weights: merged,
		Files:   summaries,
		Version: time.Now().UnixNano(),
	}

	l.logger.Info("Weight tables loaded",
		"files", len(files),
		"indicators", len(merged),
		"version", snapshot.Version)

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.notifyWatchers()

	return snapshot, nil
}

// GetSnapshot returns a copy of the current snapshot
func (l *Loader) GetSnapshot() *WeightSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return &WeightSnapshot{Weights: map[string]int{}}
	}

	weights := make(map[string]int, len(l.snapshot.Weights))
	for k, v := range l.snapshot.Weights {
		weights[k] = v
	}
	files := make([]FileSummary, len(l.snapshot.Files))
	copy(files, l.snapshot.Files)

	return &WeightSnapshot{
		Weights: weights,
		Files:   files,
		Version: l.snapshot.Version,
	}
}

// Subscribe returns a channel that receives a notification whenever a new
// snapshot is loaded
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	return ch
}

// WatchForChanges starts polling the rules directory (if hot reload is enabled)
func (l *Loader) WatchForChanges() error {
	if !l.hotReload {
		l.logger.Info("Hot reload disabled")
		return nil
	}

	l.logger.Info("Starting weight table watcher", "rules_dir", l.rulesDir)

	reloadChan := make(chan struct{}, 1)
	go l.watchFiles(reloadChan, 2*time.Second)
	go l.debouncedReload(reloadChan)

	return nil
}

// Stop stops the watcher goroutines
func (l *Loader) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// readRuleFiles lists YAML files in the rules directory, sorted by filename
func (l *Loader) readRuleFiles() ([]string, error) {
	var files []string

	err := filepath.WalkDir(l.rulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// loadTablesFromFile loads one or more weight tables from a file
func (l *Loader) loadTablesFromFile(filename string) ([]WeightFile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var tables []WeightFile

	// Try a single document first, then a list
	var table WeightFile
	if err := yaml.Unmarshal(data, &table); err == nil && table.Metadata.Name != "" {
		tables = append(tables, table)
	} else if err := yaml.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i := range tables {
		tables[i].SourceFile = filename
	}

	l.logger.Debug("Loaded weight tables from file", "file", filename, "count", len(tables))
	return tables, nil
}

// watchFiles polls the rules directory for modifications
func (l *Loader) watchFiles(reloadChan chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(reloadChan)

	lastModTime := time.Now()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		hasChanges := false
		err := filepath.WalkDir(l.rulesDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.ModTime().After(lastModTime) {
				lastModTime = info.ModTime()
				hasChanges = true
			}
			return nil
		})
		if err != nil {
			l.logger.Error("Error watching weight tables", "error", err)
			continue
		}

		if hasChanges {
			l.logger.Info("Weight tables changed, triggering reload")
			select {
			case reloadChan <- struct{}{}:
			default:
			}
		}
	}
}

// debouncedReload reloads once changes have settled. A failed reload keeps
// the previous snapshot.
func (l *Loader) debouncedReload(reloadChan chan struct{}) {
	var timer *time.Timer

	for range reloadChan {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(time.Duration(l.debounceMs)*time.Millisecond, func() {
			if _, err := l.LoadSnapshot(); err != nil {
				l.logger.Error("Failed to reload weight tables, keeping previous snapshot", "error", err)
			}
		})
	}

	if timer != nil {
		timer.Stop()
	}
}

// notifyWatchers notifies all subscribed watchers
func (l *Loader) notifyWatchers() {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
