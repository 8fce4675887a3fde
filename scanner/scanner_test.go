package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"sigscan/config"
	"sigscan/hasher"
	"sigscan/logger"
	"sigscan/signatures"
	"sigscan/utils"
)

func init() {
	logger.Init("error")
}

const (
	helloMD5 = "5d41402abc4b2a76b9719d911017c592"
	emptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"
)

type recorder struct {
	mu       sync.Mutex
	scanning []string
	results  []Result
	failed   []string
}

func (r *recorder) Scanning(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = append(r.scanning, path)
}

func (r *recorder) FileScanned(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) EntryFailed(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, path)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func md5Store(entries map[string]string) *signatures.Store {
	return signatures.NewStore(
		signatures.NewTable("md5_db", hasher.MD5, entries),
		signatures.NewTable("sha1_db", hasher.SHA1, nil),
		signatures.NewTable("virusshare", hasher.MD5, nil),
		signatures.NewTable("malsharesha1", hasher.SHA1, nil),
	)
}

func newScanner(store *signatures.Store, opts Options) (*Scanner, *recorder) {
	rec := &recorder{}
	opts.Observer = rec
	return New(store, opts), rec
}

func TestScanFileMatchesHello(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	writeFile(t, path, "hello")

	s, rec := newScanner(md5Store(map[string]string{helloMD5: "EICAR-Test"}), Options{})
	res, err := s.ScanFile(context.Background(), path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !res.Infected || res.Size != 5 {
		t.Fatalf("got (%v, %d), want (true, 5)", res.Infected, res.Size)
	}
	if res.Label() != "EICAR-Test" || res.Match.Table != "md5_db" {
		t.Fatalf("unexpected match: %+v", res.Match)
	}
	if res.Hashes[hasher.MD5] != helloMD5 || res.Hashes[hasher.SHA1] == "" {
		t.Fatalf("expected md5 and sha1 digests, got %v", res.Hashes)
	}
	if len(rec.results) != 1 || len(rec.scanning) != 0 {
		t.Fatalf("ScanFile should report one result and no walk events: %+v", rec)
	}
	if s.Processed() != 1 || s.Current() != path {
		t.Fatalf("progress not tracked: %d %q", s.Processed(), s.Current())
	}
}

func TestEmptyFileNeverInfected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	writeFile(t, path, "")

	s, _ := newScanner(md5Store(map[string]string{emptyMD5: "Empty-Sig"}), Options{})
	res, err := s.ScanFile(context.Background(), path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Infected || !res.Empty || res.Size != 0 || res.Hashes != nil {
		t.Fatalf("empty file must be clean and unhashed: %+v", res)
	}
}

func TestScanFileErrors(t *testing.T) {
	s, _ := newScanner(md5Store(nil), Options{})
	if _, err := s.ScanFile(context.Background(), filepath.Join(t.TempDir(), "missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
	if _, err := s.ScanFile(context.Background(), t.TempDir()); !errors.Is(err, ErrNotRegular) {
		t.Fatalf("expected ErrNotRegular, got %v", err)
	}
}

func TestScanDirectoryEmptyAndCleanFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "empty.bin"), "")
	writeFile(t, filepath.Join(root, "ten.bin"), "0123456789")

	s, rec := newScanner(md5Store(map[string]string{helloMD5: "EICAR-Test"}), Options{})
	sum, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := Summary{FilesScanned: 2, DirectoriesScanned: 1, BytesScanned: 10}
	if sum != want {
		t.Fatalf("got %+v, want %+v", sum, want)
	}
	if len(rec.scanning) != 2 {
		t.Fatalf("expected a Scanning event per file, got %v", rec.scanning)
	}
}

func TestScanNestedTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "clean content")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "hello")

	s, rec := newScanner(md5Store(map[string]string{helloMD5: "EICAR-Test"}), Options{})
	sum, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := Summary{FilesScanned: 2, FilesInfected: 1, DirectoriesScanned: 2, BytesScanned: int64(len("clean content") + 5)}
	if sum != want {
		t.Fatalf("got %+v, want %+v", sum, want)
	}
	var infected []string
	for _, r := range rec.results {
		if r.Infected {
			infected = append(infected, r.Path)
		}
	}
	if len(infected) != 1 || infected[0] != filepath.Join(root, "sub", "b.txt") {
		t.Fatalf("unexpected infected set: %v", infected)
	}
}

func TestSingleFileTargetSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	writeFile(t, path, "hello")

	s, _ := newScanner(md5Store(map[string]string{helloMD5: "EICAR-Test"}), Options{})
	sum, err := s.Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := Summary{FilesScanned: 1, FilesInfected: 1, BytesScanned: 5}
	if sum != want {
		t.Fatalf("got %+v, want %+v", sum, want)
	}
}

func TestScanMissingRootFails(t *testing.T) {
	s, _ := newScanner(md5Store(nil), Options{})
	_, err := s.Scan(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestDirectoryAggregationIsAssociative(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "top.txt"), "hello")
	writeFile(t, filepath.Join(root, "top-empty"), "")
	writeFile(t, filepath.Join(root, "one", "x.bin"), "xxxxxxx")
	writeFile(t, filepath.Join(root, "one", "deep", "y.bin"), "hello")
	writeFile(t, filepath.Join(root, "two", "z.bin"), "zz")

	s, _ := newScanner(md5Store(map[string]string{helloMD5: "EICAR-Test"}), Options{})
	ctx := context.Background()
	whole, err := s.Scan(ctx, root)
	if err != nil {
		t.Fatalf("scan root: %v", err)
	}

	parts := Summary{DirectoriesScanned: 1}
	for _, name := range []string{"top.txt", "top-empty", "one", "two"} {
		sum, err := s.Scan(ctx, filepath.Join(root, name))
		if err != nil {
			t.Fatalf("scan %s: %v", name, err)
		}
		parts = parts.Add(sum)
	}
	if whole != parts {
		t.Fatalf("root %+v != sum of parts %+v", whole, parts)
	}
	if whole.FilesScanned != 5 || whole.FilesInfected != 2 || whole.DirectoriesScanned != 4 {
		t.Fatalf("unexpected totals: %+v", whole)
	}
}

func TestSummaryAddOrderIndependent(t *testing.T) {
	a := Summary{FilesScanned: 1, BytesScanned: 3, Errors: 1}
	b := Summary{FilesScanned: 2, FilesInfected: 1, DirectoriesScanned: 1}
	c := Summary{Skipped: 4, BytesScanned: 7}
	if a.Add(b).Add(c) != a.Add(b.Add(c)) || a.Add(b) != b.Add(a) {
		t.Fatal("Add must be associative and commutative")
	}
	if a.Add(Summary{}) != a {
		t.Fatal("zero summary must be the identity")
	}
}

func TestWalkOrderMatchesDirectoryOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "b", "c.txt"), "c")
	writeFile(t, filepath.Join(root, "b", "d", "e.txt"), "e")
	writeFile(t, filepath.Join(root, "f.txt"), "f")

	s, rec := newScanner(md5Store(nil), Options{Concurrency: 1})
	if _, err := s.Scan(context.Background(), root); err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{
		filepath.Join(root, "a.txt"),
		filepath.Join(root, "b", "c.txt"),
		filepath.Join(root, "b", "d", "e.txt"),
		filepath.Join(root, "f.txt"),
	}
	if !slices.Equal(rec.scanning, want) {
		t.Fatalf("order: got %v want %v", rec.scanning, want)
	}
}

func TestUnreadableEntriesAreCounted(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.txt"), "fine")
	writeFile(t, filepath.Join(root, "locked.txt"), "secret")
	writeFile(t, filepath.Join(root, "closed", "inner.txt"), "inner")
	if err := os.Chmod(filepath.Join(root, "locked.txt"), 0); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	closed := filepath.Join(root, "closed")
	if err := os.Chmod(closed, 0); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(closed, 0o755) })

	s, rec := newScanner(md5Store(nil), Options{})
	sum, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("per-entry failures must not abort the scan: %v", err)
	}
	want := Summary{FilesScanned: 1, DirectoriesScanned: 1, BytesScanned: 4, Errors: 2}
	if sum != want {
		t.Fatalf("got %+v, want %+v", sum, want)
	}
	if len(rec.failed) != 2 {
		t.Fatalf("expected two failure events, got %v", rec.failed)
	}
}

func TestFiltersAndSpecialEntries(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), "hello")
	writeFile(t, filepath.Join(root, "drop.log"), "log line")
	writeFile(t, filepath.Join(root, "big.txt"), "this file is too large")
	writeFile(t, filepath.Join(root, "vendor", "lib.txt"), "vendored")
	writeFile(t, filepath.Join(outside, "secret.txt"), "outside")
	if err := os.Symlink(filepath.Join(root, "keep.txt"), filepath.Join(root, "link-inside.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link-outside.txt"))
	os.Symlink(outside, filepath.Join(root, "link-dir.txt"))

	matcher, err := utils.NewPatternMatcher([]string{"*.txt"}, []string{"vendor"})
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	s, rec := newScanner(md5Store(map[string]string{helloMD5: "EICAR-Test"}), Options{Matcher: matcher, MaxFileSize: 10})
	sum, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	// keep.txt, both file links and secret.txt under the directory link are
	// scanned. Skipped: drop.log, big.txt and vendor.
	want := Summary{FilesScanned: 4, FilesInfected: 2, DirectoriesScanned: 2, BytesScanned: 24, Skipped: 3}
	if sum != want {
		t.Fatalf("got %+v, want %+v", sum, want)
	}
	var paths []string
	for _, r := range rec.results {
		paths = append(paths, r.Path)
	}
	for _, want := range []string{
		filepath.Join(root, "link-outside.txt"),
		filepath.Join(root, "link-dir.txt", "secret.txt"),
	} {
		if !slices.Contains(paths, want) {
			t.Fatalf("expected %s to be reported under the link path, got %v", want, paths)
		}
	}
}

func TestSymlinkedDirectoriesAreFollowedOnce(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "hello.bin"), "hello")
	writeFile(t, filepath.Join(root, "sub", "clean.txt"), "0123456789")
	if err := os.Symlink(outside, filepath.Join(root, "out")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	// Links back into the tree and to an outside target already entered
	// must not be walked again.
	os.Symlink(root, filepath.Join(root, "sub", "loop"))
	os.Symlink(outside, filepath.Join(outside, "self"))
	os.Symlink(outside, filepath.Join(root, "sub", "again"))

	s, rec := newScanner(md5Store(map[string]string{helloMD5: "EICAR-Test"}), Options{})
	sum, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := Summary{FilesScanned: 2, FilesInfected: 1, DirectoriesScanned: 3, BytesScanned: 15, Skipped: 3}
	if sum != want {
		t.Fatalf("got %+v, want %+v", sum, want)
	}
	var infected []string
	for _, r := range rec.results {
		if r.Infected {
			infected = append(infected, r.Path)
		}
	}
	if len(infected) != 1 || infected[0] != filepath.Join(root, "out", "hello.bin") {
		t.Fatalf("expected the match under the link path, got %v", infected)
	}
}

func TestConcurrentScanMatchesSequential(t *testing.T) {
	root := t.TempDir()
	for i := range 60 {
		content := fmt.Sprintf("file %d", i)
		if i%7 == 0 {
			content = "hello"
		}
		if i%11 == 0 {
			content = ""
		}
		writeFile(t, filepath.Join(root, fmt.Sprintf("d%d", i%5), fmt.Sprintf("f%02d", i)), content)
	}
	store := md5Store(map[string]string{helloMD5: "EICAR-Test"})

	seq, seqRec := newScanner(store, Options{Concurrency: 1})
	want, err := seq.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	par, parRec := newScanner(store, Options{Concurrency: 4, ChunkSize: 3})
	got, err := par.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if got != want {
		t.Fatalf("parallel %+v != sequential %+v", got, want)
	}
	paths := func(rs []Result) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.Path+":"+r.Label())
		}
		slices.Sort(out)
		return out
	}
	if !slices.Equal(paths(seqRec.results), paths(parRec.results)) {
		t.Fatal("parallel scan reported different results")
	}
	if par.Processed() != 60 {
		t.Fatalf("processed: %d", par.Processed())
	}
}

func TestChunkSizeAndRateLimitKeepDigests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	writeFile(t, path, "hello")
	store := md5Store(map[string]string{helloMD5: "EICAR-Test"})

	s, _ := newScanner(store, Options{ChunkSize: 2, MaxIOPerSecond: 100, ExtraHashes: []string{hasher.SHA256}})
	sum, err := s.Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if sum.FilesInfected != 1 {
		t.Fatalf("expected match with small chunks: %+v", sum)
	}
	res, err := s.ScanFile(context.Background(), path)
	if err != nil {
		t.Fatalf("scan file: %v", err)
	}
	if len(res.Hashes[hasher.SHA256]) != 64 {
		t.Fatalf("extra digest missing: %v", res.Hashes)
	}
}

func TestScanCanceled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, workers := range []int{1, 4} {
		s, rec := newScanner(md5Store(nil), Options{Concurrency: workers})
		sum, err := s.Scan(ctx, root)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("workers=%d: expected context.Canceled, got %v", workers, err)
		}
		if sum.FilesScanned != 0 || len(rec.results) != 0 {
			t.Fatalf("workers=%d: nothing should be scanned after cancel: %+v", workers, sum)
		}
	}
}

func TestObserversFanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	obs := Observers{a, b}
	obs.Scanning("x")
	obs.FileScanned(Result{Path: "x"})
	obs.EntryFailed("y", errors.New("boom"))
	for _, r := range []*recorder{a, b} {
		if len(r.scanning) != 1 || len(r.results) != 1 || len(r.failed) != 1 {
			t.Fatalf("observer missed events: %+v", r)
		}
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		ConcurrencyLevel: 4,
		MaxFileSize:      1024,
		MaxIOPerSecond:   50,
		ChunkSize:        8192,
		ExtraHashes:      []string{hasher.SHA256},
		IncludePatterns:  []string{"*.exe"},
		ExcludePatterns:  []string{"cache"},
		Progress:         true,
	}
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Concurrency != 4 || opts.MaxFileSize != 1024 || opts.MaxIOPerSecond != 50 || opts.ChunkSize != 8192 || !opts.Progress {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.Matcher == nil || !opts.Matcher.ShouldInclude("/x/a.exe") || opts.Matcher.ShouldInclude("/x/a.txt") {
		t.Fatal("include patterns not applied")
	}

	s := New(nil, opts)
	if !slices.Contains(s.algorithms, hasher.SHA256) || !slices.Contains(s.algorithms, hasher.MD5) {
		t.Fatalf("unexpected digest algorithms: %v", s.algorithms)
	}

	cfg.IncludePatterns = []string{"re:[unclosed"}
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}
