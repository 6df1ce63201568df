// pkg/utils/logger.go

package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	plog "github.com/pingcap/log"
	"github.com/sirupsen/logrus"
)

var registry = struct {
	sync.Mutex
	level   logrus.Level
	out     io.Writer
	loggers map[string]*logrus.Logger
}{level: logrus.InfoLevel, out: os.Stderr, loggers: make(map[string]*logrus.Logger)}

// lineFormatter renders `time name[pid] <LEVEL>: message key=value ...`.
type lineFormatter struct {
	name string
	pid  int
}

func (f *lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s[%d] <%s>: %s",
		e.Time.Format("2006/01/02 15:04:05.000000"), f.name, f.pid,
		strings.ToUpper(e.Level.String()), e.Message)
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// GetLogger returns the logger of a component, creating it on first use
// with the current level and output.
func GetLogger(name string) *logrus.Logger {
	registry.Lock()
	defer registry.Unlock()
	if l, ok := registry.loggers[name]; ok {
		return l
	}
	l := &logrus.Logger{
		Out:       registry.out,
		Formatter: &lineFormatter{name: name, pid: os.Getpid()},
		Hooks:     make(logrus.LevelHooks),
		Level:     registry.level,
	}
	registry.loggers[name] = l
	return l
}

// pingcap libraries log through zap; they run one step quieter than ours.
func zapLevel(lvl logrus.Level) string {
	switch lvl {
	case logrus.TraceLevel:
		return "debug"
	case logrus.DebugLevel:
		return "info"
	case logrus.InfoLevel, logrus.WarnLevel:
		return "warn"
	case logrus.ErrorLevel:
		return "error"
	}
	return "dpanic"
}

// SetLogLevel changes the level of every logger.
func SetLogLevel(lvl logrus.Level) {
	registry.Lock()
	registry.level = lvl
	for _, l := range registry.loggers {
		l.SetLevel(lvl)
	}
	registry.Unlock()
	if l, p, err := plog.InitLogger(&plog.Config{Level: zapLevel(lvl)}); err == nil {
		plog.ReplaceGlobals(l, p)
	}
}

// SetOutput redirects every logger to w.
func SetOutput(w io.Writer) {
	registry.Lock()
	defer registry.Unlock()
	registry.out = w
	for _, l := range registry.loggers {
		l.SetOutput(w)
	}
}

// SetOutFile appends the output of every logger to file name.
func SetOutFile(name string) error {
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	SetOutput(file)
	return nil
}
