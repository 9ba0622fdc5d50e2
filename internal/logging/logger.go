package logging

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultBufferSize = 1000

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var levelRanks = map[Level]int32{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

var levelsByRank = [...]Level{LevelDebug, LevelInfo, LevelWarning, LevelError}

// sink is shared by a logger and everything derived from it with With.
type sink struct {
	buffer   *LogBuffer
	writer   io.Writer
	writeMu  sync.Mutex
	minLevel atomic.Int32
}

type Logger struct {
	sink   *sink
	fields map[string]string
}

func NewLogger(buffer *LogBuffer, minLevel Level) *Logger {
	return NewLoggerWithOutput(buffer, minLevel, os.Stderr)
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if output == nil {
		output = io.Discard
	}
	shared := &sink{buffer: buffer, writer: output}
	shared.minLevel.Store(levelRank(minLevel))
	return &Logger{sink: shared}
}

// Discard returns a logger that records nothing.
func Discard() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(1), LevelError, io.Discard)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.sink.buffer
}

// With returns a logger that adds fields to every entry. It shares the
// buffer, output and level with l.
func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{sink: l.sink, fields: mergeFields(l.fields, fields)}
}

// SetLevel changes the minimum level of l and of every logger sharing its sink.
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.sink.minLevel.Store(levelRank(level))
}

func (l *Logger) Level() Level {
	if l == nil {
		return LevelInfo
	}
	return levelsByRank[l.sink.minLevel.Load()]
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return levelRank(level) >= l.sink.minLevel.Load()
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   mergeFields(l.fields, fields),
	}
	l.sink.buffer.Add(entry)

	line := formatEntry(entry)
	l.sink.writeMu.Lock()
	_, _ = io.WriteString(l.sink.writer, line+"\n")
	l.sink.writeMu.Unlock()
}

// levelRank orders levels; unknown levels rank as info.
func levelRank(level Level) int32 {
	if rank, ok := levelRanks[level]; ok {
		return rank
	}
	return levelRanks[LevelInfo]
}

// LevelAtLeast reports whether level is as severe as minimum or more.
func LevelAtLeast(level, minimum Level) bool {
	return levelRank(level) >= levelRank(minimum)
}

func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

// mergeFields copies base and extra into a new map. Empty keys are skipped.
func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for _, fields := range []map[string]string{base, extra} {
		for key, value := range fields {
			if key != "" {
				merged[key] = value
			}
		}
	}
	return merged
}

// formatEntry renders an entry as one logfmt line: timestamp, level and
// message first, then fields sorted by key.
func formatEntry(entry LogEntry) string {
	var builder strings.Builder
	builder.WriteString("ts=")
	builder.WriteString(entry.Timestamp.Format(timestampLayout))
	builder.WriteString(" level=")
	builder.WriteString(string(entry.Level))
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(entry.Message))

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteByte(' ')
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(strconv.Quote(entry.Context[key]))
	}
	return builder.String()
}
