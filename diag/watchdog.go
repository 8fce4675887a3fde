// Package diag watches a running scan and dumps diagnostics when it stops
// making progress.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"sigscan/logger"
)

const artifactTimeLayout = "20060102-150405.000"

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// Progress is a point-in-time view of the scan.
type Progress struct {
	Files int64
	Path  string
}

type Options struct {
	// StallThreshold is how long Progress may stay unchanged before a dump.
	// Zero disables the watchdog.
	StallThreshold time.Duration
	Dir            string
	GoroutineDump  bool
	ProgressFn     func() Progress
	FlightDumpFn   func(path string) error
	NowFn          func() time.Time
	ProfileFn      func(name string) profileWriter
}

type stallEvent struct {
	Event       string `json:"event"`
	Timestamp   string `json:"timestamp"`
	FilesDone   int64  `json:"files_scanned"`
	CurrentPath string `json:"current_path,omitempty"`
	ThresholdMS int64  `json:"threshold_ms"`
	StalledMS   int64  `json:"stalled_ms"`
}

type Watchdog struct {
	opts Options

	mu         sync.Mutex
	last       Progress
	lastChange time.Time
	lastDump   time.Time
	dumps      int
	stop       chan struct{}
	done       chan struct{}
}

func NewWatchdog(opts Options) *Watchdog {
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.ProfileFn == nil {
		opts.ProfileFn = func(name string) profileWriter {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Watchdog{opts: opts}
}

// Start polls ProgressFn until ctx ends or Close is called.
func (w *Watchdog) Start(ctx context.Context) {
	if w == nil || w.opts.StallThreshold <= 0 || w.opts.ProgressFn == nil || w.stop != nil {
		return
	}
	w.mu.Lock()
	w.last = w.opts.ProgressFn()
	w.lastChange = w.opts.NowFn()
	w.lastDump = time.Time{}
	w.mu.Unlock()

	interval := min(max(w.opts.StallThreshold/2, 250*time.Millisecond), 2*time.Second)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.probe(w.opts.NowFn())
			}
		}
	}()
}

// Close stops polling and, if enabled, writes a goroutine profile.
func (w *Watchdog) Close() {
	if w == nil {
		return
	}
	if w.stop != nil {
		close(w.stop)
		<-w.done
		w.stop, w.done = nil, nil
	}
	if w.opts.GoroutineDump {
		if _, err := w.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Goroutine profile dump failed: %v", err)
		}
	}
}

// Dumps returns how many stall dumps were written.
func (w *Watchdog) Dumps() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dumps
}

func (w *Watchdog) probe(now time.Time) {
	cur := w.opts.ProgressFn()

	w.mu.Lock()
	if cur != w.last || w.lastChange.IsZero() {
		w.last = cur
		w.lastChange = now
		w.mu.Unlock()
		return
	}
	stalled := now.Sub(w.lastChange)
	threshold := w.opts.StallThreshold
	dump := stalled >= threshold && (w.lastDump.IsZero() || now.Sub(w.lastDump) >= threshold)
	if dump {
		w.lastDump = now
		w.dumps++
	}
	w.mu.Unlock()

	if !dump {
		return
	}
	logger.Warnf("Scan has not progressed for %s (at %s)", stalled.Round(time.Millisecond), cur.Path)
	if err := w.dumpStall(now, cur, stalled); err != nil {
		logger.Warnf("Stall dump failed: %v", err)
	}
}

func (w *Watchdog) dumpStall(now time.Time, cur Progress, stalled time.Duration) error {
	if err := os.MkdirAll(w.opts.Dir, 0755); err != nil {
		return err
	}
	ts := now.UTC().Format(artifactTimeLayout)
	b, err := json.MarshalIndent(stallEvent{
		Event:       "scan_stalled",
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		FilesDone:   cur.Files,
		CurrentPath: cur.Path,
		ThresholdMS: w.opts.StallThreshold.Milliseconds(),
		StalledMS:   stalled.Milliseconds(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.opts.Dir, "sigscan-stall-"+ts+".json"), b, 0600); err != nil {
		return err
	}
	if w.opts.FlightDumpFn != nil {
		if err := w.opts.FlightDumpFn(filepath.Join(w.opts.Dir, "sigscan-flight-"+ts+".out")); err != nil {
			logger.Warnf("Flight recorder dump failed: %v", err)
		}
	}
	return nil
}

func (w *Watchdog) writeProfile(name string, debug int) (string, error) {
	profile := w.opts.ProfileFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(w.opts.Dir, 0755); err != nil {
		return "", err
	}
	ts := w.opts.NowFn().UTC().Format(artifactTimeLayout)
	path := filepath.Join(w.opts.Dir, fmt.Sprintf("sigscan-%s-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
