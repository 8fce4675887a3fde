package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"sigscan/hasher"
	"sigscan/signatures"
	"sigscan/version"
)

// ErrUsage means the command line named no scan target.
var ErrUsage = errors.New("usage: sigscan [options] <file|directory>")

type Config struct {
	Target                string              `json:"target"`
	DatabaseDir           string              `json:"database_dir"`
	Sources               []signatures.Source `json:"sources"`
	ConcurrencyLevel      int                 `json:"concurrency_level"`
	NiceLevel             string              `json:"nice_level"`
	LogLevel              string              `json:"log_level"`
	IncludePatterns       []string            `json:"include_patterns"`
	ExcludePatterns       []string            `json:"exclude_patterns"`
	MaxFileSize           int64               `json:"max_file_size"`
	MaxIOPerSecond        int                 `json:"max_io_per_second"`
	ChunkSize             int                 `json:"chunk_size"`
	ExtraHashes           []string            `json:"extra_hashes"`
	InfectedOnly          bool                `json:"infected_only"`
	Progress              bool                `json:"progress"`
	NoColor               bool                `json:"no_color"`
	ReportFile            string              `json:"report_file"`
	CollectSystemInfo     bool                `json:"collect_system_info"`
	ConfigFile            string              `json:"config_file"`
	DiagSlowScanThreshold time.Duration       `json:"diag_slow_scan_threshold"`
	DiagDir               string              `json:"diag_dir"`
	DiagGoroutineLeak     bool                `json:"diag_goroutine_leak"`
	OtelEndpoint          string              `json:"otel_endpoint"`
	OtelFromEnv           bool                `json:"otel_from_env"`
	OtelHeaders           map[string]string   `json:"otel_headers"`
	OtelServiceName       string              `json:"otel_service_name"`
	OtelTimeout           time.Duration       `json:"otel_timeout"`
	OtelExportPaths       bool                `json:"otel_export_paths"`
	TraceFlight           bool                `json:"trace_flight"`
	TraceFlightFile       string              `json:"trace_flight_file"`
	TraceFlightMaxBytes   uint64              `json:"trace_flight_max_bytes"`
	TraceFlightMinAge     time.Duration       `json:"trace_flight_min_age"`
	ConcurrencySet        bool                `json:"-"`
}

func defaultConfig() *Config {
	return &Config{
		DatabaseDir:       "./database",
		ConcurrencyLevel:  1,
		NiceLevel:         "medium",
		LogLevel:          "info",
		IncludePatterns:   []string{},
		ExcludePatterns:   []string{},
		ChunkSize:         0,
		ExtraHashes:       []string{},
		CollectSystemInfo: true,
		DiagDir:           ".",
		OtelHeaders:       map[string]string{},
		OtelServiceName:   "sigscan",
		OtelTimeout:       5 * time.Second,
		TraceFlightFile:   "trace-flight.out",
	}
}

// LoadConfig parses the process command line. Values from --config are
// applied first; flags given explicitly on the command line win.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	databaseDir := flag.String("database", cfg.DatabaseDir, fmt.Sprintf("Directory holding the signature files (default: %s).", cfg.DatabaseDir))
	concurrency := flag.Int("concurrency", cfg.ConcurrencyLevel, "Number of files hashed in parallel (default: derived from --nice when unset).")
	nice := flag.String("nice", cfg.NiceLevel, fmt.Sprintf("Nice level: high, medium, or low (default: %s).", cfg.NiceLevel))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	includes := flag.String("include", "", "Comma-separated list of include patterns (default: none).")
	excludes := flag.String("exclude", "", "Comma-separated list of exclude patterns (default: none).")
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, "Skip files larger than this many bytes (default: 0, no limit).")
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, "Maximum files opened per second (default: 0, no limit).")
	chunkSize := flag.Int("chunk-size", cfg.ChunkSize, "Read chunk size in bytes for hashing (default: 0, pooled buffers).")
	extraHashes := flag.String("extra-hashes", "", "Comma-separated extra digests to record in the report: sha256, blake3 (default: none).")
	infectedOnly := flag.Bool("infected-only", cfg.InfectedOnly, "Only print infected files (default: false).")
	progress := flag.Bool("progress", cfg.Progress, "Show a progress spinner on stderr (default: false).")
	noColor := flag.Bool("no-color", cfg.NoColor, "Disable colored output (default: false).")
	report := flag.String("report", cfg.ReportFile, "Write an NDJSON report to this file (default: none).")
	collectSystemInfo := flag.Bool("collect-system-info", cfg.CollectSystemInfo, fmt.Sprintf("Include host information in the report (default: %t).", cfg.CollectSystemInfo))
	configFile := flag.String("config", "", "Path to JSON configuration file (default: none).")
	diagSlowScanThreshold := flag.Duration(
		"diag-slow-scan-threshold",
		cfg.DiagSlowScanThreshold,
		"If positive, emit diagnostics when scan progress stalls for this duration (default: 0/off).",
	)
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool("diag-goroutine-leak", cfg.DiagGoroutineLeak, "Write goroutine profile on shutdown (default: false).")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, fmt.Sprintf("OTEL service name for export (default: %s).", cfg.OtelServiceName))
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include raw file paths in OTEL payloads (default: false).")
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable flight recorder tracing (default: %t).", cfg.TraceFlight))
	traceFlightFile := flag.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMaxBytes := flag.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = DisplayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("sigscan version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "database":
			cfg.DatabaseDir = *databaseDir
		case "concurrency":
			cfg.ConcurrencyLevel = *concurrency
			cfg.ConcurrencySet = true
		case "nice":
			cfg.NiceLevel = strings.ToLower(strings.TrimSpace(*nice))
		case "log-level":
			cfg.LogLevel = *logLevel
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
		case "chunk-size":
			cfg.ChunkSize = *chunkSize
		case "extra-hashes":
			cfg.ExtraHashes = parseCommaSeparated(*extraHashes)
		case "infected-only":
			cfg.InfectedOnly = *infectedOnly
		case "progress":
			cfg.Progress = *progress
		case "no-color":
			cfg.NoColor = *noColor
		case "report":
			cfg.ReportFile = strings.TrimSpace(*report)
		case "collect-system-info":
			cfg.CollectSystemInfo = *collectSystemInfo
		case "diag-slow-scan-threshold":
			cfg.DiagSlowScanThreshold = *diagSlowScanThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})

	if flag.NArg() > 0 {
		cfg.Target = flag.Arg(0)
	}
	if cfg.Target == "" || strings.HasPrefix(cfg.Target, "-") {
		return nil, ErrUsage
	}
	cfg.ExtraHashes = normalizeAlgorithms(cfg.ExtraHashes)
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
	if !cfg.ConcurrencySet {
		cfg.ConcurrencyLevel = concurrencyForNice(cfg.NiceLevel)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DisplayHelp prints usage to stdout.
func DisplayHelp() {
	fmt.Printf("sigscan %s - signature-based file scanner\n", version.Version)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sigscan [options] <file|directory>")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  sigscan /tmp/download.bin")
	fmt.Println("  sigscan --database /var/lib/sigscan --infected-only /home")
	fmt.Println("  sigscan --nice high --report scan.ndjson --exclude \".git,node_modules\" .")
}

// SignatureSources returns the configured sources, or the standard four
// under DatabaseDir when none are configured.
func (cfg *Config) SignatureSources() []signatures.Source {
	if len(cfg.Sources) > 0 {
		return cfg.Sources
	}
	return signatures.DefaultSources(cfg.DatabaseDir)
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid config file format: %w", err)
	}
	if _, ok := raw["concurrency_level"]; ok {
		cfg.ConcurrencySet = true
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %w", err)
	}
	return nil
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.Target) == "" {
		return ErrUsage
	}
	if strings.TrimSpace(cfg.DatabaseDir) == "" && len(cfg.Sources) == 0 {
		return fmt.Errorf("database directory must not be empty")
	}
	for _, src := range cfg.Sources {
		if err := src.Validate(); err != nil {
			return err
		}
	}
	for _, algo := range cfg.ExtraHashes {
		if !hasher.Supported(algo) {
			return fmt.Errorf("invalid extra hash %q: %w", algo, hasher.ErrUnsupportedAlgorithm)
		}
	}
	if cfg.ConcurrencyLevel <= 0 {
		return fmt.Errorf("concurrency level must be positive")
	}
	if cfg.NiceLevel != "high" && cfg.NiceLevel != "medium" && cfg.NiceLevel != "low" {
		return fmt.Errorf("invalid nice level: %s", cfg.NiceLevel)
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.MaxFileSize < 0 {
		return fmt.Errorf("max-file-size must be zero or positive")
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	if cfg.ChunkSize < 0 {
		return fmt.Errorf("chunk-size must be zero or positive")
	}
	if cfg.DiagSlowScanThreshold < 0 {
		return fmt.Errorf("diag-slow-scan-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	return nil
}

// concurrencyForNice maps a nice level to a worker count: high uses every
// CPU, medium half of them and low a single worker.
func concurrencyForNice(level string) int {
	numCPU := runtime.NumCPU()
	switch level {
	case "high":
		return numCPU
	case "low":
		return 1
	default:
		return max(numCPU/2, 1)
	}
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	for _, item := range strings.Split(input, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}

func normalizeAlgorithms(items []string) []string {
	normalized := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		normalized = append(normalized, item)
	}
	return normalized
}
