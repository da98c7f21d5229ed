// Package logging 安裝程序層級的 slog handler
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config 日誌設定
type Config struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // text 或 json
	AddSource bool   `yaml:"add_source"`
}

// New 依設定建立 logger，輸出到 w（nil 時為 stderr）
func New(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup 建立 logger 並設為 slog 預設值
func Setup(cfg Config) *slog.Logger {
	l := New(cfg, nil)
	slog.SetDefault(l)
	return l
}

// ParseLevel 未知的等級視為 info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard 丟棄所有輸出，測試用
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
