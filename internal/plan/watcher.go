package plan

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Suffixes given to plan files once they have been handled.
const (
	DoneSuffix   = ".done"
	FailedSuffix = ".failed"
)

// Watcher submits every plan file (*.yaml, *.yml) that appears in a
// directory. Handled files are renamed with DoneSuffix or FailedSuffix so
// they are picked up once only; a failed plan gets a sibling .err file
// with the reason. Writers should create plans elsewhere and rename them
// into the directory so a half-written file is never read.
type Watcher struct {
	dir       string
	submitter Submitter
	submitted func(path string, ids []string)
}

// NewWatcher watches dir, creating it if needed. submitted, if not nil, is
// called after each successful submission.
func NewWatcher(dir string, s Submitter, submitted func(path string, ids []string)) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating plan directory: %w", err)
	}
	return &Watcher{dir: dir, submitter: s, submitted: submitted}, nil
}

func isPlanFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Run handles plans already in the directory, then new ones as they are
// written, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.dir, err)
	}
	var existing []string
	for _, e := range entries {
		if !e.IsDir() && isPlanFile(e.Name()) {
			existing = append(existing, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(existing)
	for _, path := range existing {
		w.handle(ctx, path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isPlanFile(event.Name) {
				continue
			}
			// Editors and copies produce Create followed by Write; either
			// may be the last event for a complete file.
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handle(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("WARNING: plan watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return // handled already, or not written yet
	}

	p, err := Load(path)
	if err == nil {
		var ids []string
		ids, err = Submit(ctx, w.submitter, p)
		if err == nil {
			if rerr := os.Rename(path, path+DoneSuffix); rerr != nil {
				log.Printf("WARNING: marking plan %s done: %v", path, rerr)
			}
			log.Printf("Submitted plan %s (%d tasks)", filepath.Base(path), len(ids))
			if w.submitted != nil {
				w.submitted(path, ids)
			}
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	log.Printf("ERROR: plan %s: %v", filepath.Base(path), err)
	if rerr := os.Rename(path, path+FailedSuffix); rerr != nil {
		log.Printf("WARNING: marking plan %s failed: %v", path, rerr)
	}
	if werr := os.WriteFile(path+".err", []byte(err.Error()+"\n"), 0o644); werr != nil {
		log.Printf("WARNING: writing plan error for %s: %v", path, werr)
	}
}
