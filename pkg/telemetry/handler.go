package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// DefaultBatchSize is the number of records buffered before a file is written.
const DefaultBatchSize = 100

// LogRecord represents a single log entry for Parquet storage
type LogRecord struct {
	ID         string    `parquet:"id"`
	Timestamp  time.Time `parquet:"timestamp"`
	Level      string    `parquet:"level"`
	Message    string    `parquet:"message"`
	UserID     string    `parquet:"user_id"`
	RequestID  string    `parquet:"request_id"`
	JobID      string    `parquet:"job_id"`
	Namespace  string    `parquet:"namespace"`
	Stage      string    `parquet:"stage"`
	SourceFile string    `parquet:"source_file"`
	LineNumber int       `parquet:"line_number"`
	Attributes string    `parquet:"attributes"` // JSON string
}

// sink is shared by a handler and every handler derived from it.
type sink struct {
	mu        sync.Mutex
	outputDir string
	buffer    []LogRecord
	batchSize int
	files     int
}

// ParquetHandler is a slog.Handler that forwards every record to next and
// also keeps warnings and errors in Parquet files for later analysis of
// failed searches and ingestion jobs.
type ParquetHandler struct {
	next     slog.Handler
	sink     *sink
	minLevel slog.Level
	attrs    []slog.Attr
	group    string
}

// Option configures a ParquetHandler.
type Option func(*ParquetHandler)

// WithBatchSize sets how many records are buffered per file.
func WithBatchSize(n int) Option {
	return func(h *ParquetHandler) {
		if n > 0 {
			h.sink.batchSize = n
		}
	}
}

// WithMinLevel sets the lowest level captured to Parquet.
func WithMinLevel(level slog.Level) Option {
	return func(h *ParquetHandler) {
		h.minLevel = level
	}
}

// NewParquetHandler creates a new ParquetHandler
func NewParquetHandler(next slog.Handler, outputDir string, opts ...Option) (*ParquetHandler, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}

	h := &ParquetHandler{
		next:     next,
		sink:     &sink{outputDir: outputDir, batchSize: DefaultBatchSize},
		minLevel: slog.LevelWarn,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.sink.buffer = make([]LogRecord, 0, h.sink.batchSize)
	return h, nil
}

// Enabled implements slog.Handler
func (h *ParquetHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *ParquetHandler) Handle(ctx context.Context, r slog.Record) error {
	// Always pass to next handler first
	if err := h.next.Handle(ctx, r); err != nil {
		return err
	}
	if r.Level < h.minLevel {
		return nil
	}

	record := LogRecord{
		ID:        uuid.New().String(),
		Timestamp: r.Time.UTC(),
		Level:     r.Level.String(),
		Message:   r.Message,
		UserID:    contextString(ctx, types.ContextKeyUserID),
		RequestID: contextString(ctx, types.ContextKeyRequestID),
		JobID:     contextString(ctx, types.ContextKeyJobID),
		Namespace: contextString(ctx, types.ContextKeyNamespace),
	}

	attrs := make(map[string]any)
	collect := func(a slog.Attr) {
		key := a.Key
		switch key {
		case "user_id":
			record.UserID = a.Value.String()
		case "request_id":
			record.RequestID = a.Value.String()
		case "job_id":
			record.JobID = a.Value.String()
		case "namespace":
			record.Namespace = a.Value.String()
		case "stage":
			record.Stage = a.Value.String()
		}
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = attrValue(a.Value)
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})
	if len(attrs) > 0 {
		attrsJSON, err := json.Marshal(attrs)
		if err == nil {
			record.Attributes = string(attrsJSON)
		}
	}

	if r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		record.SourceFile = f.File
		record.LineNumber = f.Line
	}

	s := h.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, record)
	if len(s.buffer) >= s.batchSize {
		return s.flush()
	}
	return nil
}

// Flush writes buffered records to a new file.
func (h *ParquetHandler) Flush() error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	return h.sink.flush()
}

// Close flushes what is left in the buffer.
func (h *ParquetHandler) Close() error {
	return h.Flush()
}

// flush writes the current buffer to a new Parquet file
// Caller must hold the lock
func (s *sink) flush() error {
	if len(s.buffer) == 0 {
		return nil
	}

	now := time.Now()
	s.files++
	filename := fmt.Sprintf("researchd_events_%s_%d_%d.parquet", now.Format("20060102_150405"), now.UnixNano(), s.files)
	path := filepath.Join(s.outputDir, filename)

	if err := parquet.WriteFile(path, s.buffer); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write telemetry parquet file: %v\n", err)
		return err
	}

	s.buffer = s.buffer[:0]
	return nil
}

// WithAttrs implements slog.Handler
func (h *ParquetHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler
func (h *ParquetHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.next = h.next.WithGroup(name)
	if name != "" {
		if clone.group != "" {
			clone.group += "." + name
		} else {
			clone.group = name
		}
	}
	return &clone
}

// ReadRecords loads every record written under dir, oldest file first.
func ReadRecords(dir string) ([]LogRecord, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return nil, err
	}
	var out []LogRecord
	for _, f := range files {
		rows, err := parquet.ReadFile[LogRecord](f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func contextString(ctx context.Context, key types.ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}
