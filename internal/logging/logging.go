package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the host logger. Everything goes to out (stderr in practice,
// since stdout of a terminal host may be piped) at the given level; an
// unparseable level falls back to info rather than failing startup.
func New(level string, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}

// Discard returns a logger that swallows everything, for tests and for
// callers that opt out of logging.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
