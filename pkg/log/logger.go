// Package log provides structured logging for the pool.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// Config selects level, encoding and destination.
// When File is set, output goes to a size-rotated file instead of stdout.
type Config struct {
	Service    string
	Version    string
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New creates a new logger with the specified configuration
func New(cfg Config) *Logger {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
	}
	return newWithWriter(cfg, out)
}

// Nop returns a logger that discards everything; used by tests.
func Nop() *Logger {
	return newWithWriter(Config{Service: "test", Level: "error"}, io.Discard)
}

func newWithWriter(cfg Config, out io.Writer) *Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", cfg.Service, "version", cfg.Version),
		service: cfg.Service,
		version: cfg.Version,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ctxKey struct{}

// NewContext returns a context carrying the session id used by WithContext
func NewContext(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, sessionID)
}

// WithContext returns a logger with the session id carried by ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return l.WithFields("session_id", id)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(minerID, address string) *Logger {
	return l.WithFields("miner_id", minerID, "payout_address", address)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, height int64) *Logger {
	return l.WithFields("job_id", jobID, "block_height", height)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(shareID int64, difficulty float64) *Logger {
	return l.WithFields("share_id", shareID, "difficulty", difficulty)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
		"duration", HumanDuration(d),
	)
}

// HumanDuration renders d the way operators read it in logs, e.g. "1 hour 30 minutes".
func HumanDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs share submissions
func (l *Logger) LogShareSubmission(minerID, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"miner_id", minerID,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs when a block is found
func (l *Logger) LogBlockFound(blockHash string, height int64, minerID string, difficulty float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", height,
		"miner_id", minerID,
		"difficulty", difficulty,
	)
}

// LogJobDistribution logs job distribution
func (l *Logger) LogJobDistribution(jobID string, height int64, minerCount int) {
	l.Info("job distributed",
		"job_id", jobID,
		"block_height", height,
		"miner_count", minerCount,
	)
}

// LogPayout logs the outcome of one payout attempt
func (l *Logger) LogPayout(minerID, address, amount, status, txHash string) {
	l.Info("payout",
		"miner_id", minerID,
		"address", address,
		"amount", amount,
		"status", status,
		"tx_hash", txHash,
	)
}
