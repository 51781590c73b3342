package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/riomobi/transitrisk/engine/ingest"
)

const stateFile = ".riskd-state.json"

// complaintLoader loads one complaint file into the document store.
type complaintLoader interface {
	LoadFile(ctx context.Context, path string) (ingest.Report, error)
}

// inbox loads complaint CSV files dropped into a directory. Each file is
// loaded once per (name, size, mtime); files that fail to load are retried
// on the next scan.
type inbox struct {
	dir      string
	loader   complaintLoader
	debounce time.Duration
	log      *slog.Logger
	// loaded is called after a file loads with at least one new complaint.
	loaded func(ctx context.Context, rep ingest.Report)

	processed map[string]bool
}

func newInbox(dir string, loader complaintLoader, logger *slog.Logger, loaded func(context.Context, ingest.Report)) *inbox {
	return &inbox{
		dir:       dir,
		loader:    loader,
		debounce:  2 * time.Second,
		log:       logger,
		loaded:    loaded,
		processed: loadState(filepath.Join(dir, stateFile)),
	}
}

// Scan loads every new CSV file in the directory, oldest name first, and
// returns the number of files loaded.
func (in *inbox) Scan(ctx context.Context) int {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.log.Error("readdir failed", "dir", in.dir, "error", err)
		return 0
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if e.IsDir() || !isComplaintFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d:%d", e.Name(), info.Size(), info.ModTime().Unix())
		if in.processed[key] {
			continue
		}

		path := filepath.Join(in.dir, e.Name())
		in.log.Info("processing file", "file", e.Name())
		rep, err := in.loader.LoadFile(ctx, path)
		if err != nil {
			in.log.Warn("file failed, will retry on next scan", "file", e.Name(), "error", err)
			continue
		}
		in.log.Info("file done", "file", e.Name(), "report", rep)
		in.processed[key] = true
		saveState(filepath.Join(in.dir, stateFile), in.processed)
		n++
		if rep.Summary.Inserted > 0 && in.loaded != nil {
			in.loaded(ctx, rep)
		}
	}
	return n
}

// Watch scans once, then rescans after file events settle for the
// debounce window. It returns when ctx is done.
func (in *inbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(in.dir); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", in.dir, err)
	}
	in.log.Info("watching complaint inbox", "dir", in.dir)

	in.Scan(ctx)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isComplaintFile(ev.Name) || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(in.debounce)
				timerC = timer.C
			} else {
				timer.Reset(in.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.log.Warn("watcher error", "error", err)
		case <-timerC:
			timer, timerC = nil, nil
			in.Scan(ctx)
		}
	}
}

func isComplaintFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(strings.ToLower(base), ".csv") && !strings.HasPrefix(base, ".")
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	json.Unmarshal(data, &m)
	return m
}

func saveState(path string, m map[string]bool) {
	data, _ := json.Marshal(m)
	os.WriteFile(path, data, 0o644)
}
