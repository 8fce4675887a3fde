package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync/atomic"

	"sigscan/config"
	"sigscan/hasher"
	"sigscan/signatures"
	"sigscan/tracing"
	"sigscan/utils"

	"golang.org/x/time/rate"
)

// ErrNotRegular is returned for targets that are neither a regular file nor
// a directory.
var ErrNotRegular = errors.New("not a regular file")

type Options struct {
	// Concurrency is the number of files hashed at once. Values below two
	// scan inline on the walking goroutine.
	Concurrency int
	// MaxFileSize skips larger files found by the walk. Zero means no limit.
	MaxFileSize int64
	// MaxIOPerSecond caps how many files are opened per second.
	MaxIOPerSecond int
	// ChunkSize gives each worker its own read buffer of this size instead
	// of the shared pools.
	ChunkSize   int
	ExtraHashes []string
	Matcher     *utils.PatternMatcher
	Observer    Observer
	Progress    bool
}

// OptionsFromConfig maps the command line onto scanner options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	matcher, err := utils.NewPatternMatcher(cfg.IncludePatterns, cfg.ExcludePatterns)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Concurrency:    cfg.ConcurrencyLevel,
		MaxFileSize:    cfg.MaxFileSize,
		MaxIOPerSecond: cfg.MaxIOPerSecond,
		ChunkSize:      cfg.ChunkSize,
		ExtraHashes:    cfg.ExtraHashes,
		Matcher:        matcher,
		Progress:       cfg.Progress,
	}, nil
}

// Scanner checks files against a signature store. The store is only read,
// so one Scanner may serve concurrent scans.
type Scanner struct {
	store      *signatures.Store
	opts       Options
	algorithms []string
	observer   Observer
	limiter    *rate.Limiter

	processed atomic.Int64
	current   atomic.Pointer[string]
}

func New(store *signatures.Store, opts Options) *Scanner {
	s := &Scanner{
		store:      store,
		opts:       opts,
		algorithms: digestAlgorithms(store, opts.ExtraHashes),
		observer:   opts.Observer,
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if opts.MaxIOPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxIOPerSecond), opts.MaxIOPerSecond)
	}
	return s
}

// digestAlgorithms always includes md5 and sha1 so the standard table layout
// works even when some tables loaded empty.
func digestAlgorithms(store *signatures.Store, extra []string) []string {
	algos := []string{hasher.MD5, hasher.SHA1}
	for _, a := range append(store.Algorithms(), extra...) {
		if !slices.Contains(algos, a) {
			algos = append(algos, a)
		}
	}
	return algos
}

// Processed returns how many files have been scanned so far.
func (s *Scanner) Processed() int64 {
	return s.processed.Load()
}

// Current returns the file most recently started.
func (s *Scanner) Current() string {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return ""
}

// Scan scans target, which may be a file or a directory. A missing target
// is an error; a single file yields a summary with no directories.
func (s *Scanner) Scan(ctx context.Context, target string) (Summary, error) {
	info, err := os.Stat(target)
	if err != nil {
		return Summary{}, fmt.Errorf("scan target: %w", err)
	}
	if info.IsDir() {
		return s.ScanDirectory(ctx, target)
	}
	if !info.Mode().IsRegular() {
		return Summary{}, fmt.Errorf("scan target %s: %w", target, ErrNotRegular)
	}
	res, err := s.scanFile(ctx, target, info.Size(), s.workerBuffer())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Summary{}, ctxErr
		}
		var sum Summary
		s.entryFailed(target, err, &sum)
		return sum, nil
	}
	return fileSummary(res), nil
}

// ScanFile hashes one file and looks its digests up in every table. Empty
// files are reported clean without being read.
func (s *Scanner) ScanFile(ctx context.Context, path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{Path: path}, err
	}
	if !info.Mode().IsRegular() {
		return Result{Path: path}, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}
	return s.scanFile(ctx, path, info.Size(), s.workerBuffer())
}

func (s *Scanner) scanFile(ctx context.Context, path string, size int64, buf []byte) (Result, error) {
	ctx, endTask := tracing.StartTask(ctx, "scan_file")
	defer endTask()
	tracing.Log(ctx, "file", path)
	s.current.Store(&path)

	res := Result{Path: path}
	if size == 0 {
		res.Empty = true
		s.processed.Add(1)
		s.observer.FileScanned(res)
		return res, nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return res, err
		}
	}
	hashes, err := s.hash(ctx, path, buf)
	if err != nil {
		return res, err
	}

	res.Size = size
	res.Hashes = hashes
	res.Matches = s.store.Matches(hashes)
	if len(res.Matches) > 0 {
		res.Infected = true
		res.Match = res.Matches[0]
	}
	s.processed.Add(1)
	s.observer.FileScanned(res)
	return res, nil
}

func (s *Scanner) hash(ctx context.Context, path string, buf []byte) (map[string]string, error) {
	defer tracing.StartRegion(ctx, "hash")()
	if buf == nil {
		return hasher.ComputeFileHashes(path, s.algorithms)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	hashes, err := hasher.ComputeHashesBuffer(f, s.algorithms, buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return hashes, nil
}

func (s *Scanner) workerBuffer() []byte {
	if s.opts.ChunkSize <= 0 {
		return nil
	}
	return make([]byte, s.opts.ChunkSize)
}
