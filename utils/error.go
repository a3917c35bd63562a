package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// NotFoundf wraps ErrorRecordNotFound with the missing record's identity.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrorRecordNotFound, fmt.Sprintf(format, args...))
}
