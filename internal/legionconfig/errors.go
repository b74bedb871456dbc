package legionconfig

import "fmt"

// ConfigError is a structural or semantic defect in the configuration
// document. Legion retains the previous TaskSpec table and surfaces the
// error rather than crashing.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}
