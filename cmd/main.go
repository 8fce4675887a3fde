package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sigscan/config"
	"sigscan/diag"
	"sigscan/logger"
	"sigscan/output"
	"sigscan/scanner"
	"sigscan/signatures"
	"sigscan/systeminfo"
	"sigscan/tracing"

	"github.com/dustin/go-humanize"
)

func main() {
	os.Exit(execute())
}

// execute returns the process exit code so deferred cleanup runs before exit.
func execute() int {
	if err := tracing.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start trace: %v\n", err)
	} else {
		defer tracing.Stop()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		if errors.Is(err, config.ErrUsage) {
			config.DisplayHelp()
		} else {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		}
		return 1
	}

	logger.Init(cfg.LogLevel)

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel, cfg.TraceFlight, cfg.TraceFlightFile)

	if _, err := run(ctx, cfg, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Scan interrupted.")
		} else {
			fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		}
		return 1
	}
	return 0
}

// run loads signatures, scans cfg.Target and prints the summary. The summary
// is printed for interrupted scans too; only setup failures return before it.
func run(ctx context.Context, cfg *config.Config, stdout io.Writer) (scanner.Summary, error) {
	console := output.NewConsole(stdout, cfg.InfectedOnly, !cfg.NoColor)

	console.Println("Loading signatures...")
	store, err := signatures.Load(ctx, cfg.SignatureSources())
	if err != nil {
		return scanner.Summary{}, fmt.Errorf("loading signatures: %w", err)
	}
	console.Println(fmt.Sprintf("Total loaded signatures: %d", store.Total()))
	logger.Debugf("Signature tables: %d, known digests: %s", len(store.Tables()), humanize.Comma(int64(store.Total())))

	report, err := output.New(cfg)
	if err != nil {
		return scanner.Summary{}, fmt.Errorf("opening report: %w", err)
	}
	defer func() {
		if err := report.Close(); err != nil {
			logger.Warnf("Failed to close report: %v", err)
		}
	}()

	if cfg.CollectSystemInfo && report.Enabled() {
		info := systeminfo.GetSystemInfo(ctx)
		logger.Debugf("Host: %s", info)
		report.WriteSystemInfo(info)
	}

	opts, err := scanner.OptionsFromConfig(cfg)
	if err != nil {
		return scanner.Summary{}, err
	}
	opts.Observer = scanner.Observers{console, report}
	s := scanner.New(store, opts)

	watchdog := diag.NewWatchdog(diag.Options{
		StallThreshold: cfg.DiagSlowScanThreshold,
		Dir:            cfg.DiagDir,
		GoroutineDump:  cfg.DiagGoroutineLeak,
		ProgressFn: func() diag.Progress {
			return diag.Progress{Files: s.Processed(), Path: s.Current()}
		},
		FlightDumpFn: tracing.WriteFlightRecorder,
	})
	watchdog.Start(ctx)
	defer watchdog.Close()

	start := time.Now()
	summary, scanErr := s.Scan(ctx, cfg.Target)
	if scanErr != nil && !errors.Is(scanErr, context.Canceled) {
		return summary, scanErr
	}
	scanReport := output.ScanReport{
		KnownSignatures: store.Total(),
		Summary:         summary,
		Start:           start,
		End:             time.Now(),
	}
	console.PrintSummary(scanReport)
	report.WriteSummary(scanReport)
	logger.Debugf("Scanned %s in %s", humanize.Bytes(uint64(summary.BytesScanned)), scanReport.Elapsed())
	if scanErr != nil {
		return summary, scanErr
	}

	console.Println("Scan completed. Exiting...")
	return summary, nil
}

func handleSignals(ctx context.Context, cancelFunc context.CancelFunc, traceFlight bool, traceFlightFile string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	handleSignalEvent(ctx, cancelFunc, traceFlight, traceFlightFile, sigChan)
}

// handleSignalEvent waits for one signal, or for ctx to end, and cancels the
// scan on a signal.
func handleSignalEvent(ctx context.Context, cancelFunc context.CancelFunc, traceFlight bool, traceFlightFile string, sigChan <-chan os.Signal) {
	select {
	case <-ctx.Done():
		return
	case <-sigChan:
	}
	logger.Info("Interrupt signal received. Shutting down...")

	if traceFlight {
		if err := tracing.WriteFlightRecorder(traceFlightFile); err != nil {
			logger.Warnf("Failed to write flight recorder: %v", err)
		}
	}

	cancelFunc()
}
