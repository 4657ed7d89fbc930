package logx

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// patternFormatter renders a logrus.Entry using a %time/%level/%field/
// %msg/%caller/%func template, ported from the teacher's
// internal/log/formatter.go.
type patternFormatter struct {
	pattern  string
	timeForm string
}

func (f *patternFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	out := f.pattern
	out = strings.Replace(out, "%time", entry.Time.Format(f.timeForm), 1)
	out = strings.Replace(out, "%level", entry.Level.String(), 1)
	out = strings.Replace(out, "%field", formatFields(entry), 1)
	out = strings.Replace(out, "%msg", entry.Message, 1)
	out = strings.Replace(out, "%caller", callerOf(entry), 1)
	out = strings.Replace(out, "%func", funcOf(entry), 1)
	out += "\n"
	return []byte(out), nil
}

func formatFields(entry *logrus.Entry) string {
	fields := make([]string, 0, len(entry.Data))
	for key, val := range entry.Data {
		s, ok := val.(string)
		if !ok {
			s = fmt.Sprint(val)
		}
		fields = append(fields, key+"="+s)
	}
	return strings.Join(fields, ",")
}

func callerOf(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "unknown"
	}
	file := entry.Caller.File
	if idx := strings.LastIndex(file, "/"); idx != -1 && idx+1 < len(file) {
		file = file[idx+1:]
	}
	pkg := ""
	if entry.Caller.Function != "" {
		parts := strings.Split(entry.Caller.Function, ".")
		pkgParts := strings.Split(parts[0], "/")
		pkg = pkgParts[len(pkgParts)-1]
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, entry.Caller.Line)
}

func funcOf(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "unknown"
	}
	name := entry.Caller.Function
	if idx := strings.LastIndex(name, "."); idx != -1 && idx+1 < len(name) {
		return name[idx+1:]
	}
	return name
}

// defaultPattern and defaultTimeForm match the teacher's status-dump
// rendering when a stage doesn't customise the pattern.
const (
	defaultPattern  = "%time [%level] %field %msg"
	defaultTimeForm = "2006-01-02T15:04:05.000Z07:00"
)

// StatusFormatter renders the human-readable status line a stage's
// GetStatus(io.Writer) hook writes (spec.md §4.C), via a dedicated
// logrus instance so this legacy rendering coexists with the slog path
// Init sets up for everything else. One instance is safe to reuse
// across GetStatus calls.
type StatusFormatter struct {
	logger *logrus.Logger
}

// NewStatusFormatter returns a formatter using pattern (empty selects
// the default "%time [%level] %field %msg"). timeForm selects the
// %time layout (empty selects RFC3339 with milliseconds).
func NewStatusFormatter(pattern, timeForm string) *StatusFormatter {
	if pattern == "" {
		pattern = defaultPattern
	}
	if timeForm == "" {
		timeForm = defaultTimeForm
	}
	l := logrus.New()
	l.SetFormatter(&patternFormatter{pattern: pattern, timeForm: timeForm})
	l.SetReportCaller(true)
	return &StatusFormatter{logger: l}
}

// WriteStatus renders one status line for stageName with fields to w.
func (f *StatusFormatter) WriteStatus(w io.Writer, stageName string, fields map[string]string) error {
	f.logger.SetOutput(w)
	entry := f.logger.WithField("stage", stageName)
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Info("status")
	return nil
}
