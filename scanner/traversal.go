package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"sigscan/logger"
	"sigscan/tracing"
	"sigscan/utils"

	"github.com/schollz/progressbar/v3"
)

type fileTask struct {
	path string
	size int64
}

type walkItem struct {
	path  string
	entry fs.DirEntry
}

// ScanDirectory walks root depth first and scans every regular file below
// it. Entries that cannot be read are reported to the observer and counted
// in Summary.Errors; only a root that cannot be listed fails the scan. On
// cancellation the partial summary is returned with the context error.
func (s *Scanner) ScanDirectory(ctx context.Context, root string) (Summary, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return Summary{}, fmt.Errorf("scan directory %s: %w", root, err)
	}

	bar := s.newProgressBar()
	defer bar.Finish()

	workers := s.opts.Concurrency
	if workers < 2 {
		var sum Summary
		buf := s.workerBuffer()
		err := s.walk(ctx, root, entries, &sum, func(t fileTask) error {
			s.observer.Scanning(t.path)
			s.scanTask(ctx, t, buf, &sum)
			_ = bar.Add(1)
			return ctx.Err()
		})
		return sum, err
	}

	tasks := make(chan fileTask, workers*4)
	partials := make([]Summary, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(local *Summary) {
			defer wg.Done()
			buf := s.workerBuffer()
			for t := range tasks {
				if ctx.Err() != nil {
					continue
				}
				s.observer.Scanning(t.path)
				s.scanTask(ctx, t, buf, local)
				_ = bar.Add(1)
			}
		}(&partials[i])
	}

	var sum Summary
	walkErr := s.walk(ctx, root, entries, &sum, func(t fileTask) error {
		select {
		case tasks <- t:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(tasks)
	wg.Wait()

	for _, p := range partials {
		sum = sum.Add(p)
	}
	if walkErr == nil {
		walkErr = ctx.Err()
	}
	return sum, walkErr
}

func (s *Scanner) scanTask(ctx context.Context, t fileTask, buf []byte, sum *Summary) {
	res, err := s.scanFile(ctx, t.path, t.size, buf)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.entryFailed(t.path, err, sum)
		return
	}
	sum.record(res)
}

func (s *Scanner) entryFailed(path string, err error, sum *Summary) {
	logger.Warnf("Failed to scan %s: %v", path, err)
	sum.Errors++
	s.observer.EntryFailed(path, err)
}

// walk visits the tree with an explicit stack. Children are pushed in
// reverse so entries come off the stack in directory order, the same order
// a recursive walk would produce. Directory counts, skips and listing
// errors go into sum; files are handed to visit.
func (s *Scanner) walk(ctx context.Context, root string, rootEntries []fs.DirEntry, sum *Summary, visit func(fileTask) error) error {
	ctx, endTask := tracing.StartTask(ctx, "walk")
	defer endTask()

	var stack []walkItem
	push := func(dir string, entries []fs.DirEntry) {
		for _, e := range slices.Backward(entries) {
			stack = append(stack, walkItem{path: filepath.Join(dir, e.Name()), entry: e})
		}
	}
	enter := func(dir string) {
		if !s.opts.Matcher.ShouldDescend(dir) {
			sum.Skipped++
			return
		}
		endRegion := tracing.StartRegion(ctx, "read_dir")
		entries, err := os.ReadDir(dir)
		endRegion()
		if err != nil {
			// ReadDir may still return the entries it read before failing.
			s.entryFailed(dir, err, sum)
		} else {
			sum.DirectoriesScanned++
		}
		push(dir, entries)
	}
	// Resolved targets of directory links already entered.
	linked := make(map[string]struct{})

	sum.DirectoriesScanned++
	push(root, rootEntries)

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if item.entry.IsDir() {
			enter(item.path)
			continue
		}
		if item.entry.Type()&fs.ModeSymlink != 0 {
			if target, ok := linkedDir(item.path); ok {
				if !followLink(root, target, linked) {
					logger.Debugf("Skipping %s: %s is already part of the scan", item.path, target)
					sum.Skipped++
					continue
				}
				enter(item.path)
				continue
			}
		}

		task, ok, err := s.fileTask(item)
		if err != nil {
			s.entryFailed(item.path, err, sum)
			continue
		}
		if !ok {
			sum.Skipped++
			continue
		}
		if err := visit(task); err != nil {
			return err
		}
	}
	return nil
}

// linkedDir resolves a symlink that points at a directory.
func linkedDir(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", false
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	return target, true
}

// followLink reports whether a directory link should be walked. Targets
// inside root are reached by the walk anyway, and each outside target is
// entered once, so link cycles end.
func followLink(root, target string, linked map[string]struct{}) bool {
	if utils.IsPathWithin(target, []string{root}) {
		return false
	}
	if _, seen := linked[target]; seen {
		return false
	}
	linked[target] = struct{}{}
	return true
}

// fileTask decides whether a non-directory entry is scanned. A symlink to a
// regular file is scanned wherever the file lives and reported under the
// link path.
func (s *Scanner) fileTask(item walkItem) (fileTask, bool, error) {
	var info fs.FileInfo
	var err error
	switch mode := item.entry.Type(); {
	case mode.IsRegular():
		info, err = item.entry.Info()
	case mode&fs.ModeSymlink != 0:
		info, err = os.Stat(item.path)
	default:
		return fileTask{}, false, nil
	}
	if err != nil {
		return fileTask{}, false, err
	}
	if !info.Mode().IsRegular() {
		return fileTask{}, false, nil
	}
	if !s.opts.Matcher.ShouldInclude(item.path) {
		return fileTask{}, false, nil
	}
	if s.opts.MaxFileSize > 0 && info.Size() > s.opts.MaxFileSize {
		return fileTask{}, false, nil
	}
	return fileTask{path: item.path, size: info.Size()}, true, nil
}

func (s *Scanner) newProgressBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Scanning files"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(s.opts.Progress),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionFullWidth(),
	)
}
