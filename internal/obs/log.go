package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	debugEnabled bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects all log lines to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

// FileOptions configures the rotating file sink.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// UseFile writes logs to a size-rotated file in addition to stdout.
// The returned closer releases the file handle.
func UseFile(o FileOptions) io.Closer {
	lj := &lumberjack.Logger{
		Filename:   o.Path,
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
		Compress:   true,
	}
	SetOutput(io.MultiWriter(os.Stdout, lj))
	return lj
}

type Fields map[string]any

func logWith(level, msg string, f Fields) {
	out := make(Fields, len(f)+3)
	for k, v := range f {
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["level"] = level
	out["msg"] = msg
	b, err := json.Marshal(out)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Warn(msg string, f Fields)  { logWith("warn", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	mu.Lock()
	on := debugEnabled
	mu.Unlock()
	if on {
		logWith("debug", msg, f)
	}
}
