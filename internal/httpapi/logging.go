package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, handlers do not log.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("REMOTED_HTTP_LOG"))

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logOutcome records the end of an admin request at the level the request asked for.
func logOutcome(r *http.Request, action string, status int, start time.Time, err error) {
	if zlog == nil {
		return
	}
	lvl := requestLogLevel(r)
	if lvl == LevelOff || (lvl == LevelError && err == nil) {
		return
	}
	var ev *zerolog.Event
	switch {
	case err != nil:
		ev = zlog.Warn().Err(err)
	case lvl >= LevelDebug:
		ev = zlog.Debug()
	default:
		ev = zlog.Info()
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Str("path", r.URL.Path).Int("status", status).Dur("dur", time.Since(start)).Msg(action)
}
