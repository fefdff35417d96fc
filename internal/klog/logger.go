// Package klog implements the small structured logger shared by the
// acquire and renew daemons: RFC5424-framed output with leveled calls
// and key-value structured data, adapted from the ingest daemons'
// logging package.
package klog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

const (
	OFF      Level = 0
	DEBUG    Level = 1
	INFO     Level = 2
	WARN     Level = 3
	ERROR    Level = 4
	CRITICAL Level = 5
	FATAL    Level = 6
)

const (
	defaultDepth = 3
	defaultID    = `kstart@1`
	maxAppname   = 48
	maxHostname  = 255
)

var ErrNotOpen = errors.New("logger is not open")

type Level int

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	case FATAL:
		return `FATAL`
	}
	return `UNKNOWN`
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case OFF:
		return 0
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Debug
}

// LevelFromString parses a verbosity name from a -v style flag value.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case `OFF`:
		return OFF, nil
	case `DEBUG`:
		return DEBUG, nil
	case `INFO`:
		return INFO, nil
	case `WARN`:
		return WARN, nil
	case `ERROR`:
		return ERROR, nil
	case `CRITICAL`:
		return CRITICAL, nil
	case `FATAL`:
		return FATAL, nil
	}
	return OFF, fmt.Errorf("invalid log level %q", s)
}

// Logger is a leveled, structured logger writing RFC5424 syslog frames
// to one or more writers.
type Logger struct {
	wtrs     []io.WriteCloser
	mtx      sync.Mutex
	lvl      Level
	hot      bool
	hostname string
	appname  string
}

// New creates a logger at INFO level writing to wtr, using the program
// name (os.Args[0]) as the RFC5424 APP-NAME.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.hostname, _ = os.Hostname()
	if len(l.hostname) > maxHostname {
		l.hostname = l.hostname[:maxHostname]
	}
	if len(os.Args) > 0 {
		l.appname = filepath.Base(os.Args[0])
		if len(l.appname) > maxAppname {
			l.appname = l.appname[:maxAppname]
		}
	}
	return l
}

// NewStderrLogger is the common case: a logger writing to the
// process's standard error stream.
func NewStderrLogger() *Logger {
	return New(os.Stderr)
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() *Logger {
	return New(discardCloser{})
}

func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lvl = lvl
}

func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.hot = false
	var err error
	for _, w := range l.wtrs {
		if cerr := w.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) { l.output(DEBUG, msg, sds...) }
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam)  { l.output(INFO, msg, sds...) }
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam)  { l.output(WARN, msg, sds...) }
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) { l.output(ERROR, msg, sds...) }
func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) {
	l.output(CRITICAL, msg, sds...)
}

// Fatal logs at FATAL, closes the logger, and exits the process.
func (l *Logger) Fatal(msg string, sds ...rfc5424.SDParam) {
	l.FatalCode(1, msg, sds...)
}

// FatalCode is Fatal with an explicit exit code.
func (l *Logger) FatalCode(code int, msg string, sds ...rfc5424.SDParam) {
	l.output(FATAL, msg, sds...)
	l.Close()
	os.Exit(code)
}

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot || lvl < l.lvl || l.lvl == OFF {
		return
	}
	ts := time.Now()
	loc := callLoc(defaultDepth + 1)
	b, err := genRFCMessage(ts, lvl.priority(), l.hostname, l.appname, loc, msg, sds...)
	if err != nil || len(b) == 0 {
		return
	}
	for _, w := range l.wtrs {
		io.WriteString(w, string(b))
		io.WriteString(w, "\n")
	}
}

func genRFCMessage(ts time.Time, prio rfc5424.Priority, hostname, appname, msgid, msg string, sds ...rfc5424.SDParam) ([]byte, error) {
	m := rfc5424.Message{
		Priority:  prio,
		Timestamp: ts,
		Hostname:  trimLength(255, hostname),
		AppName:   trimLength(48, appname),
		MessageID: trimLength(32, msgid),
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{
			ID:         defaultID,
			Parameters: sds,
		}}
	}
	return m.MarshalBinary()
}

func callLoc(depth int) (s string) {
	if _, file, line, ok := runtime.Caller(depth); ok {
		dir, file := filepath.Split(file)
		file = filepath.Join(filepath.Base(dir), file)
		s = fmt.Sprintf("%s:%d", file, line)
	}
	return
}

func trimLength(i int, s string) string {
	if len(s) <= i {
		return s
	}
	return s[:i]
}

// KV builds a structured key-value field for a log call.
func KV(name string, value interface{}) (r rfc5424.SDParam) {
	r.Name = name
	switch v := value.(type) {
	case string:
		r.Value = v
	default:
		r.Value = fmt.Sprintf("%v", value)
	}
	return
}

// KVErr is KV("error", err).
func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}

type discardCloser struct{}

func (discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardCloser) Close() error                { return nil }
