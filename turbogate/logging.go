package turbogate

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process-wide base logger. levelName follows logrus's
// own level names (debug/info/warn/error); an unrecognized name falls back
// to info rather than erroring, since a bad --log-level shouldn't prevent
// startup. json selects the JSON formatter for log aggregation, otherwise
// the TextFormatter is used with full timestamps for human-readable console
// output.
func NewLogger(levelName string, json bool) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stdout

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if json {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
