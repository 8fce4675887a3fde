package output

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"sigscan/config"
	"sigscan/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type otelLogger struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	policy   otelPolicy
}

type otelPolicy struct {
	includePaths bool
}

func newOtelLogger(cfg *config.Config) (*otelLogger, error) {
	if cfg == nil {
		return nil, nil
	}
	endpoint := resolveOtelEndpoint(cfg)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.OtelHeaders))
	}
	if cfg.OtelTimeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.OtelTimeout))
	}

	exp, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.OtelServiceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &otelLogger{
		provider: provider,
		logger:   provider.Logger("sigscan"),
		timeout:  cfg.OtelTimeout,
		endpoint: endpoint,
		policy:   otelPolicy{includePaths: cfg.OtelExportPaths},
	}, nil
}

func resolveOtelEndpoint(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	if endpoint := strings.TrimSpace(cfg.OtelEndpoint); endpoint != "" {
		return endpoint
	}
	if !cfg.OtelFromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *otelLogger) Emit(recordType string, payload any) {
	if o == nil || o.logger == nil {
		return
	}
	data := sanitizePayload(recordType, payloadToMap(payload), o.policy)

	var rec otelLog.Record
	now := time.Now()
	rec.SetTimestamp(now)
	rec.SetObservedTimestamp(now)
	rec.SetEventName("sigscan.record")
	if recordType == RecordDetection || recordType == RecordError {
		rec.SetSeverity(otelLog.SeverityWarn)
	} else {
		rec.SetSeverity(otelLog.SeverityInfo)
	}
	rec.AddAttributes(
		otelLog.String("record_type", recordType),
		otelLog.String("schema_version", SchemaVersion),
	)
	if attrs := semanticAttributes(recordType, data, o.policy); len(attrs) > 0 {
		rec.AddAttributes(attrs...)
	}
	if len(data) > 0 {
		rec.SetBody(otelLog.MapValue(toLogKeyValues(data)...))
	}

	o.logger.Emit(context.Background(), rec)
}

func (o *otelLogger) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

// sanitizePayload drops file paths and host names unless path export is
// enabled. The input map is never modified.
func sanitizePayload(recordType string, data map[string]any, policy otelPolicy) map[string]any {
	if len(data) == 0 || policy.includePaths {
		return data
	}
	var drop []string
	switch recordType {
	case RecordDetection, RecordError:
		drop = []string{"path"}
	case RecordSystemInfo:
		drop = []string{"hostname"}
	default:
		return data
	}
	sanitized := maps.Clone(data)
	for _, key := range drop {
		delete(sanitized, key)
	}
	return sanitized
}

// toLogValue converts a JSON-decoded value. Payloads always pass through
// payloadToMap first, so numbers arrive as float64 and collections as
// map[string]any or []any.
func toLogValue(value any) otelLog.Value {
	switch v := value.(type) {
	case string:
		return otelLog.StringValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return otelLog.Int64Value(int64(v))
		}
		return otelLog.Float64Value(v)
	case map[string]any:
		return otelLog.MapValue(toLogKeyValues(v)...)
	case []any:
		values := make([]otelLog.Value, len(v))
		for i, item := range v {
			values[i] = toLogValue(item)
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.Value{}
	}
}

// toLogKeyValues converts a map in key order so exported bodies are stable.
func toLogKeyValues(values map[string]any) []otelLog.KeyValue {
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}

func semanticAttributes(recordType string, data map[string]any, policy otelPolicy) []otelLog.KeyValue {
	if len(data) == 0 {
		return nil
	}
	switch recordType {
	case RecordDetection:
		return detectionSemanticAttributes(data, policy)
	case RecordSummary:
		return summarySemanticAttributes(data)
	case RecordSystemInfo:
		return systemSemanticAttributes(data)
	case RecordError:
		return errorSemanticAttributes(data, policy)
	default:
		return nil
	}
}

func detectionSemanticAttributes(data map[string]any, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, string(semconv.FileNameKey), getStringField(data, "name"))
	if policy.includePaths {
		kvs = appendStringAttr(kvs, string(semconv.FilePathKey), getStringField(data, "path"))
	}
	size, ok := getInt64Field(data, "size")
	kvs = appendInt64Attr(kvs, string(semconv.FileSizeKey), size, ok)
	kvs = appendStringAttr(kvs, "sigscan.file.mime_type", getStringField(data, "mime_type"))
	kvs = appendStringAttr(kvs, "sigscan.detection.label", getStringField(data, "label"))
	kvs = appendStringAttr(kvs, "sigscan.detection.table", getStringField(data, "table"))
	kvs = appendStringAttr(kvs, "sigscan.detection.algorithm", getStringField(data, "algorithm"))
	kvs = appendCountAttr(kvs, "sigscan.detection.match_count", getSliceLength(data, "matches"))

	digests := getStringMapField(data, "digests")
	for _, algo := range slices.Sorted(maps.Keys(digests)) {
		kvs = appendStringAttr(kvs, "sigscan.file.hash."+algo, digests[algo])
	}
	return kvs
}

func summarySemanticAttributes(data map[string]any) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	for _, key := range []string{
		"files_scanned",
		"files_infected",
		"directories_scanned",
		"bytes_scanned",
		"errors",
		"skipped",
		"known_signatures",
		"duration_ms",
	} {
		value, ok := getInt64Field(data, key)
		kvs = appendInt64Attr(kvs, "sigscan.scan."+key, value, ok)
	}
	kvs = appendStringAttr(kvs, "sigscan.engine.version", getStringField(data, "engine_version"))
	return kvs
}

func systemSemanticAttributes(data map[string]any) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, string(semconv.HostNameKey), getStringField(data, "hostname"))
	kvs = appendStringAttr(kvs, string(semconv.HostArchKey), getStringField(data, "arch"))
	kvs = appendStringAttr(kvs, string(semconv.OSTypeKey), getStringField(data, "os"))
	kvs = appendStringAttr(kvs, string(semconv.OSNameKey), getStringField(data, "platform"))
	kvs = appendStringAttr(kvs, string(semconv.OSVersionKey), getStringField(data, "platform_version"))
	cpus, ok := getInt64Field(data, "logical_cpus")
	kvs = appendInt64Attr(kvs, "sigscan.host.logical_cpus", cpus, ok)
	kvs = appendStringAttr(kvs, "sigscan.engine.version", getStringField(data, "engine_version"))
	return kvs
}

func errorSemanticAttributes(data map[string]any, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	if policy.includePaths {
		kvs = appendStringAttr(kvs, string(semconv.FilePathKey), getStringField(data, "path"))
	}
	return appendStringAttr(kvs, "sigscan.error.message", getStringField(data, "error"))
}

// payloadToMap round-trips a record payload through its JSON form so the
// exported body matches the NDJSON report field for field.
func payloadToMap(payload any) map[string]any {
	if payload == nil {
		return nil
	}
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	return decoded
}

func getStringField(values map[string]any, key string) string {
	str, _ := values[key].(string)
	return str
}

func getInt64Field(values map[string]any, key string) (int64, bool) {
	num, ok := values[key].(float64)
	return int64(num), ok
}

func getStringMapField(values map[string]any, key string) map[string]string {
	raw, _ := values[key].(map[string]any)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}

func getSliceLength(values map[string]any, key string) int64 {
	items, _ := values[key].([]any)
	return int64(len(items))
}

func appendStringAttr(kvs []otelLog.KeyValue, key, value string) []otelLog.KeyValue {
	if value == "" {
		return kvs
	}
	return append(kvs, otelLog.String(key, value))
}

func appendInt64Attr(kvs []otelLog.KeyValue, key string, value int64, ok bool) []otelLog.KeyValue {
	if !ok {
		return kvs
	}
	return append(kvs, otelLog.Int64(key, value))
}

func appendCountAttr(kvs []otelLog.KeyValue, key string, count int64) []otelLog.KeyValue {
	if count <= 0 {
		return kvs
	}
	return append(kvs, otelLog.Int64(key, count))
}
