package output

import (
	"bufio"
	"os"
	"sync"
	"time"

	"sigscan/config"
	"sigscan/logger"
	"sigscan/scanner"
	"sigscan/systeminfo"
)

const (
	flushEveryRecords = 64
	flushMaxInterval  = 2 * time.Second
)

// Writer streams report records as newline-delimited JSON and mirrors them
// to an OTLP log exporter when one is configured. A Writer with neither
// sink is valid and discards everything.
type Writer struct {
	mu               sync.Mutex
	file             *os.File
	buf              *bufio.Writer
	otel             *otelLogger
	recordsSinceSync int
	lastSyncAt       time.Time
	nowFn            func() time.Time
}

func New(cfg *config.Config) (*Writer, error) {
	w := &Writer{nowFn: time.Now}
	if cfg == nil {
		return w, nil
	}
	otel, err := newOtelLogger(cfg)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		w.otel = otel
	}
	if cfg.ReportFile != "" {
		f, err := os.OpenFile(cfg.ReportFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			w.otel.Shutdown()
			return nil, err
		}
		w.file = f
		w.buf = bufio.NewWriterSize(f, 64*1024)
		w.lastSyncAt = w.nowFn()
	}
	return w, nil
}

// Enabled reports whether any record will be kept.
func (w *Writer) Enabled() bool {
	return w != nil && (w.file != nil || w.otel != nil)
}

func (w *Writer) WriteSystemInfo(info *systeminfo.SystemInfo) {
	if info == nil {
		return
	}
	w.write(RecordSystemInfo, info)
}

// Scanning is part of scanner.Observer; the report has no per-file start
// records.
func (w *Writer) Scanning(string) {}

func (w *Writer) FileScanned(res scanner.Result) {
	if !res.Infected || !w.Enabled() {
		return
	}
	w.write(RecordDetection, newDetection(res, w.nowFn()))
}

func (w *Writer) EntryFailed(path string, err error) {
	if err == nil {
		return
	}
	w.write(RecordError, ErrorRecord{Path: path, Error: err.Error()})
}

func (w *Writer) WriteSummary(r ScanReport) {
	w.write(RecordSummary, newSummaryPayload(r))
}

func (w *Writer) write(recordType string, payload any) {
	if !w.Enabled() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf != nil {
		rec := record{RecordType: recordType, SchemaVersion: SchemaVersion, Payload: payload}
		if err := encodeRecord(w.buf, rec); err != nil {
			logger.Warnf("Failed to write %s record: %v", recordType, err)
		} else {
			w.recordsSinceSync++
			w.flushLocked()
		}
	}
	w.otel.Emit(recordType, payload)
}

func (w *Writer) flushLocked() {
	if err := w.buf.Flush(); err != nil {
		logger.Warnf("Failed to flush report: %v", err)
		return
	}
	if !w.shouldSync() {
		return
	}
	if err := w.file.Sync(); err != nil {
		logger.Debugf("Report sync failed: %v", err)
	}
	w.recordsSinceSync = 0
	w.lastSyncAt = w.now()
}

func (w *Writer) shouldSync() bool {
	if w.lastSyncAt.IsZero() || w.recordsSinceSync >= flushEveryRecords {
		return true
	}
	return w.now().Sub(w.lastSyncAt) >= flushMaxInterval
}

func (w *Writer) now() time.Time {
	if w.nowFn == nil {
		return time.Now()
	}
	return w.nowFn()
}

// Close flushes and closes the report file and shuts the exporter down.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if w.file != nil {
		if ferr := w.buf.Flush(); ferr != nil {
			err = ferr
		}
		_ = w.file.Sync()
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		w.file = nil
		w.buf = nil
	}
	w.otel.Shutdown()
	w.otel = nil
	return err
}
