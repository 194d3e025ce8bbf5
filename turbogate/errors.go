package turbogate

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError wraps a config-load-time syntax or semantic error. Load-phase
// failures are the one place a full cause chain matters for operators
// debugging a bad config file, so these are built with github.com/pkg/errors
// rather than bare fmt.Errorf.
type ConfigError struct {
	cause error
}

func (e *ConfigError) Error() string { return e.cause.Error() }
func (e *ConfigError) Unwrap() error { return e.cause }

func errConfigf(format string, args ...interface{}) error {
	return &ConfigError{cause: errors.New(fmt.Sprintf(format, args...))}
}

func wrapConfig(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &ConfigError{cause: errors.Wrap(err, msg)}
}
