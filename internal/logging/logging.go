// Package logging builds the process logger from configuration:
// level, text or JSON format, severity-split console streams, and an
// optional rotating log file.
package logging

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ontoforge/oms/internal/config"
)

// errorMarkers match formatted entries at error level and above, for
// both text and JSON formatters.
var errorMarkers = [][]byte{
	[]byte("level=error"),
	[]byte("level=fatal"),
	[]byte("level=panic"),
	[]byte(`"level":"error"`),
	[]byte(`"level":"fatal"`),
	[]byte(`"level":"panic"`),
}

// Splitter routes formatted log entries by severity: error and above
// to Err, everything else to Out. Orchestrators capture the two
// streams independently. Zero value writes to stderr/stdout.
type Splitter struct {
	Out io.Writer
	Err io.Writer
}

func (s *Splitter) Write(p []byte) (int, error) {
	out, errw := s.Out, s.Err
	if out == nil {
		out = os.Stdout
	}
	if errw == nil {
		errw = os.Stderr
	}
	for _, m := range errorMarkers {
		if bytes.Contains(p, m) {
			return errw.Write(p)
		}
	}
	return out.Write(p)
}

// New builds the process logger. Level and format were validated by
// config.Load; unknown values fall back to info/text. When File is
// set, entries also go to a size-rotated log file.
func New(opts config.LogOptions) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if opts.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	var out io.Writer = &Splitter{}
	if opts.File != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	log.SetOutput(out)
	return log
}
