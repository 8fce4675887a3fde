package output

import (
	"fmt"
	"io"
	"sync"

	"sigscan/scanner"
	"sigscan/version"

	"github.com/fatih/color"
)

const dateLayout = "2006-01-02 15:04:05"

// Console prints per-file lines and the closing summary. It is safe for
// use by concurrent scan workers.
type Console struct {
	mu           sync.Mutex
	out          io.Writer
	infectedOnly bool
	found        *color.Color
	heading      *color.Color
}

func NewConsole(out io.Writer, infectedOnly, useColor bool) *Console {
	c := &Console{
		out:          out,
		infectedOnly: infectedOnly,
		found:        color.New(color.FgRed, color.Bold),
		heading:      color.New(color.Bold),
	}
	if useColor {
		c.found.EnableColor()
		c.heading.EnableColor()
	} else {
		c.found.DisableColor()
		c.heading.DisableColor()
	}
	return c
}

// Println writes a plain status line.
func (c *Console) Println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, a...)
}

func (c *Console) Scanning(path string) {
	if c.infectedOnly {
		return
	}
	c.Println("Scanning: " + path)
}

func (c *Console) FileScanned(res scanner.Result) {
	switch {
	case res.Infected:
		c.mu.Lock()
		c.found.Fprintf(c.out, "FOUND: %s - %s\n", res.Path, res.Label())
		c.mu.Unlock()
	case c.infectedOnly:
	case res.Empty:
		c.Println(res.Path + ": Empty file")
	default:
		c.Println(res.Path + ": OK")
	}
}

// EntryFailed prints nothing; read failures are reported through the log.
func (c *Console) EntryFailed(string, error) {}

func (c *Console) PrintSummary(r ScanReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := r.Summary
	c.heading.Fprintln(c.out, "----------- SCAN SUMMARY -----------")
	fmt.Fprintf(c.out, "Known viruses: %d\n", r.KnownSignatures)
	fmt.Fprintf(c.out, "Engine version: %s\n", version.Version)
	fmt.Fprintf(c.out, "Scanned directories: %d\n", s.DirectoriesScanned)
	fmt.Fprintf(c.out, "Scanned files: %d\n", s.FilesScanned)
	fmt.Fprintf(c.out, "Infected files: %d\n", s.FilesInfected)
	fmt.Fprintf(c.out, "Errors: %d\n", s.Errors)
	if s.Skipped > 0 {
		fmt.Fprintf(c.out, "Skipped: %d\n", s.Skipped)
	}
	fmt.Fprintf(c.out, "Data scanned: %.2f MB\n", float64(s.BytesScanned)/1_000_000)
	fmt.Fprintf(c.out, "Time: %.3f sec\n", r.Elapsed().Seconds())
	fmt.Fprintf(c.out, "Start Date: %s\n", r.Start.Format(dateLayout))
	fmt.Fprintf(c.out, "End Date: %s\n", r.End.Format(dateLayout))
}
