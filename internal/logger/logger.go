// Package logger 是进程级的 slog 封装：printf 风格的快捷函数加上 With 结构化字段。
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

type sink struct {
	w      io.Writer
	asJSON bool
	log    *slog.Logger
}

var (
	levelVar slog.LevelVar
	current  atomic.Pointer[sink]
)

func init() {
	levelVar.Set(slog.LevelInfo)
	install(os.Stdout, false)
}

func install(w io.Writer, asJSON bool) {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: &levelVar}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if asJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	current.Store(&sink{w: w, asJSON: asJSON, log: slog.New(h)})
}

// SetOutput 替换输出目标，保留当前格式。
func SetOutput(w io.Writer) {
	install(w, current.Load().asJSON)
}

// SetFormat 切换输出格式：text（默认）或 json。
func SetFormat(format string) {
	install(current.Load().w, strings.EqualFold(strings.TrimSpace(format), "json"))
}

// SetLevel 未识别的级别回落到 info。
func SetLevel(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	levelVar.Set(lvl)
}

// With returns a logger carrying structured fields, e.g. deployment id and trace id.
func With(args ...any) *slog.Logger {
	return current.Load().log.With(args...)
}

func Debugf(format string, v ...any) { current.Load().log.Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { current.Load().log.Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { current.Load().log.Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { current.Load().log.Error(fmt.Sprintf(format, v...)) }
