package scanner

import "sigscan/signatures"

// Result is what scanning one file produced.
type Result struct {
	Path     string             `json:"path"`
	Size     int64              `json:"size"`
	Infected bool               `json:"infected"`
	Empty    bool               `json:"empty,omitempty"`
	Match    signatures.Match   `json:"match,omitzero"`
	Matches  []signatures.Match `json:"matches,omitempty"`
	Hashes   map[string]string  `json:"hashes,omitempty"`
}

// Label is the name reported for an infected file.
func (r Result) Label() string {
	return r.Match.Label
}

// Summary aggregates a scan. Add is elementwise, so partial summaries from
// sibling entries or workers can be merged in any order.
type Summary struct {
	FilesScanned       int64 `json:"files_scanned"`
	FilesInfected      int64 `json:"files_infected"`
	DirectoriesScanned int64 `json:"directories_scanned"`
	BytesScanned       int64 `json:"bytes_scanned"`
	Errors             int64 `json:"errors"`
	Skipped            int64 `json:"skipped"`
}

func (s Summary) Add(o Summary) Summary {
	return Summary{
		FilesScanned:       s.FilesScanned + o.FilesScanned,
		FilesInfected:      s.FilesInfected + o.FilesInfected,
		DirectoriesScanned: s.DirectoriesScanned + o.DirectoriesScanned,
		BytesScanned:       s.BytesScanned + o.BytesScanned,
		Errors:             s.Errors + o.Errors,
		Skipped:            s.Skipped + o.Skipped,
	}
}

// record folds one file result into the summary.
func (s *Summary) record(res Result) {
	s.FilesScanned++
	s.BytesScanned += res.Size
	if res.Infected {
		s.FilesInfected++
	}
}

// fileSummary is the summary of a scan whose target is a single file.
func fileSummary(res Result) Summary {
	var s Summary
	s.record(res)
	return s
}
