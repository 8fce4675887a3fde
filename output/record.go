package output

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"sigscan/scanner"
	"sigscan/signatures"
	"sigscan/version"

	"github.com/djherbis/times"
	"github.com/h2non/filetype"
)

// SchemaVersion is stamped on every report record.
const SchemaVersion = "1.0"

const (
	RecordSystemInfo = "system_info"
	RecordDetection  = "detection"
	RecordError      = "error"
	RecordSummary    = "summary"
)

// mimeSniffLen is how many leading bytes filetype needs to identify a file.
const mimeSniffLen = 261

type record struct {
	RecordType    string `json:"record_type"`
	SchemaVersion string `json:"schema_version"`
	Payload       any    `json:"payload"`
}

// Detection describes one infected file.
type Detection struct {
	Path         string             `json:"path"`
	Name         string             `json:"name"`
	Size         int64              `json:"size"`
	Label        string             `json:"label"`
	Table        string             `json:"table"`
	Algorithm    string             `json:"algorithm"`
	Digests      map[string]string  `json:"digests"`
	Matches      []signatures.Match `json:"matches"`
	MimeType     string             `json:"mime_type,omitempty"`
	ModTime      string             `json:"mod_time,omitempty"`
	AccessTime   string             `json:"access_time,omitempty"`
	ChangeTime   string             `json:"change_time,omitempty"`
	CreationTime string             `json:"creation_time,omitempty"`
	DetectedAt   string             `json:"detected_at"`
}

// ErrorRecord describes an entry the scan could not read.
type ErrorRecord struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// ScanReport is everything the end-of-scan summary shows.
type ScanReport struct {
	KnownSignatures int
	Summary         scanner.Summary
	Start           time.Time
	End             time.Time
}

func (r ScanReport) Elapsed() time.Duration {
	return r.End.Sub(r.Start)
}

type summaryPayload struct {
	KnownSignatures int    `json:"known_signatures"`
	EngineVersion   string `json:"engine_version"`
	scanner.Summary
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	DurationMS int64  `json:"duration_ms"`
}

func newSummaryPayload(r ScanReport) summaryPayload {
	return summaryPayload{
		KnownSignatures: r.KnownSignatures,
		EngineVersion:   version.Version,
		Summary:         r.Summary,
		StartTime:       r.Start.UTC().Format(time.RFC3339),
		EndTime:         r.End.UTC().Format(time.RFC3339),
		DurationMS:      r.Elapsed().Milliseconds(),
	}
}

// newDetection builds the report entry for an infected result. The file is
// inspected again for its type and timestamps; failures there only leave
// those fields empty.
func newDetection(res scanner.Result, now time.Time) Detection {
	d := Detection{
		Path:       res.Path,
		Name:       filepath.Base(res.Path),
		Size:       res.Size,
		Label:      res.Match.Label,
		Table:      res.Match.Table,
		Algorithm:  res.Match.Algorithm,
		Digests:    res.Hashes,
		Matches:    res.Matches,
		DetectedAt: now.UTC().Format(time.RFC3339),
	}
	if mime, err := mimeType(res.Path); err == nil {
		d.MimeType = mime
	}
	if ts, err := times.Stat(res.Path); err == nil {
		d.ModTime = ts.ModTime().UTC().Format(time.RFC3339)
		d.AccessTime = ts.AccessTime().UTC().Format(time.RFC3339)
		if ts.HasChangeTime() {
			d.ChangeTime = ts.ChangeTime().UTC().Format(time.RFC3339)
		}
		if ts.HasBirthTime() {
			d.CreationTime = ts.BirthTime().UTC().Format(time.RFC3339)
		}
	}
	return d
}

func mimeType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, mimeSniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	kind, err := filetype.Match(head[:n])
	if err != nil {
		return "", err
	}
	if kind == filetype.Unknown || kind.MIME.Value == "" {
		return "unknown", nil
	}
	return kind.MIME.Value, nil
}
