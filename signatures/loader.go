package signatures

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sigscan/hasher"
	"sigscan/logger"

	"github.com/dustin/go-humanize"
)

const (
	// FormatLabeled lines look like "<hash>:<label>".
	FormatLabeled = "labeled"
	// FormatBare lines hold a single hash; the source label is used.
	FormatBare = "bare"
)

const (
	// Longer lines cannot hold a digest and label and are skipped.
	maxLineSize      = 64 * 1024
	ctxCheckInterval = 8192
)

var ErrUnknownFormat = errors.New("unknown signature format")

// Source describes one flat-text signature file.
type Source struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Algorithm string `json:"algorithm"`
	Format    string `json:"format"`
	Label     string `json:"label,omitempty"`
}

// ParseStats counts what a source contributed.
type ParseStats struct {
	Loaded  int
	Invalid int
}

// DefaultSources returns the four standard sources found in dir, in label
// precedence order.
func DefaultSources(dir string) []Source {
	return []Source{
		{Name: "md5_db", Path: filepath.Join(dir, "md5_db.txt"), Algorithm: hasher.MD5, Format: FormatLabeled},
		{Name: "sha1_db", Path: filepath.Join(dir, "sha1_db.txt"), Algorithm: hasher.SHA1, Format: FormatLabeled},
		{Name: "virusshare", Path: filepath.Join(dir, "virusshare.txt"), Algorithm: hasher.MD5, Format: FormatBare, Label: "virusshare"},
		{Name: "malsharesha1", Path: filepath.Join(dir, "malsharesha1.txt"), Algorithm: hasher.SHA1, Format: FormatBare, Label: "malsharesha1"},
	}
}

// Validate checks the source definition itself, not the file behind it.
func (s Source) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("signature source name must not be empty")
	}
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("signature source %s: path must not be empty", s.Name)
	}
	if !hasher.Supported(s.Algorithm) {
		return fmt.Errorf("signature source %s: %w: %s", s.Name, hasher.ErrUnsupportedAlgorithm, s.Algorithm)
	}
	switch strings.ToLower(s.Format) {
	case FormatLabeled, FormatBare:
	default:
		return fmt.Errorf("signature source %s: %w: %q", s.Name, ErrUnknownFormat, s.Format)
	}
	return nil
}

func (s Source) label() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Name
}

// Load reads all sources concurrently and returns a store whose table order
// matches the source order. A source that cannot be read is logged and
// contributes an empty table. Only cancellation or an invalid source
// definition fails the whole load.
func Load(ctx context.Context, sources []Source) (*Store, error) {
	for _, src := range sources {
		if err := src.Validate(); err != nil {
			return nil, err
		}
	}

	tables := make([]*Table, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			table, err := LoadSource(ctx, src)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warnf("Error loading %s signatures: %v", src.Name, err)
				}
				table = newTable(src.Name, src.Algorithm, 0)
			}
			tables[i] = table
		}(i, src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewStore(tables...), nil
}

// LoadSource opens and parses a single source file.
func LoadSource(ctx context.Context, src Source) (*Table, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	logger.Infof("Loading %s signatures...", src.Name)
	table, stats, err := ParseTable(ctx, f, src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Path, err)
	}
	if stats.Invalid > 0 {
		logger.Warnf("Skipped %s malformed %s digests in %s", humanize.Comma(int64(stats.Invalid)), src.Algorithm, src.Path)
	}
	logger.Debugf("Loaded %s signatures from %s (prefilter: %t)", humanize.Comma(int64(stats.Loaded)), src.Path, table.Filtered())
	return table, nil
}

// ParseTable reads signature lines from r. Blank lines and lines starting
// with '#' are ignored. Labeled lines without a colon contribute nothing.
func ParseTable(ctx context.Context, r io.Reader, src Source) (*Table, ParseStats, error) {
	var stats ParseStats
	format := strings.ToLower(src.Format)
	if format != FormatLabeled && format != FormatBare {
		return nil, stats, fmt.Errorf("%w: %q", ErrUnknownFormat, src.Format)
	}
	wantLen := hasher.HexLen(src.Algorithm)
	table := newTable(src.Name, src.Algorithm, 0)
	bareLabel := src.label()

	br := bufio.NewReaderSize(r, maxLineSize)
	for lineNo := 1; ; lineNo++ {
		if lineNo%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
		raw, tooLong, err := readLine(br)
		if err != nil && err != io.EOF {
			return nil, stats, err
		}
		if tooLong {
			stats.Invalid++
		} else if line := strings.TrimSpace(string(raw)); line != "" && !strings.HasPrefix(line, "#") {
			parseLine(table, line, format, bareLabel, wantLen, &stats)
		}
		if err == io.EOF {
			break
		}
	}
	table.seal()
	// Duplicate digests collapse to the last label seen.
	stats.Loaded = table.Len()
	return table, stats, nil
}

func parseLine(table *Table, line, format, bareLabel string, wantLen int, stats *ParseStats) {
	digest, label := line, bareLabel
	if format == FormatLabeled {
		var ok bool
		digest, label, ok = strings.Cut(line, ":")
		if !ok {
			return
		}
		label = strings.TrimSpace(label)
	}
	digest = normalizeDigest(digest)
	if !isHexDigest(digest, wantLen) {
		stats.Invalid++
		return
	}
	table.add(digest, label)
}

// readLine returns the next line, newline included. A line that does
// not fit the reader's buffer is consumed and reported as tooLong. The
// returned slice is only valid until the next read.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	line, err = br.ReadSlice('\n')
	for err == bufio.ErrBufferFull {
		tooLong = true
		_, err = br.ReadSlice('\n')
	}
	if tooLong {
		line = nil
	}
	return line, tooLong, err
}

func isHexDigest(s string, wantLen int) bool {
	if wantLen > 0 && len(s) != wantLen {
		return false
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
