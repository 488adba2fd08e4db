package mapping

import (
	"errors"
	"fmt"
)

// ConfigErrorKind classifies a rejected mapping.
type ConfigErrorKind string

const (
	CyclicMapping  ConfigErrorKind = "cyclic_mapping"
	InvalidMapping ConfigErrorKind = "invalid_mapping"
)

var (
	ErrCyclicMapping  = errors.New("cyclic channel mapping")
	ErrInvalidMapping = errors.New("invalid channel mapping")
)

// ConfigError is fatal at startup: the bridge must not begin relaying.
type ConfigError struct {
	Kind   ConfigErrorKind
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is lets errors.Is match the sentinel for the error's kind.
func (e *ConfigError) Is(target error) bool {
	switch e.Kind {
	case CyclicMapping:
		return target == ErrCyclicMapping
	case InvalidMapping:
		return target == ErrInvalidMapping
	}
	return false
}

func invalid(format string, args ...any) error {
	return &ConfigError{Kind: InvalidMapping, Detail: fmt.Sprintf(format, args...)}
}

func cyclic(format string, args ...any) error {
	return &ConfigError{Kind: CyclicMapping, Detail: fmt.Sprintf(format, args...)}
}
