package modules

import (
	"errors"
	"strings"
)

// PermanentError marks a tool failure that no retry can fix, such as a tool
// that does not exist. Callers at every level stop retrying on it.
type PermanentError struct {
	Message string
}

func (e *PermanentError) Error() string { return e.Message }

// NewPermanentError builds a PermanentError.
func NewPermanentError(message string) *PermanentError {
	return &PermanentError{Message: message}
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// permanentPhrases are the module reply fragments that mark a check or call
// as unfixable by retrying.
var permanentPhrases = []string{
	"not found",
	"does not exist",
	"unknown tool",
}

// IsPermanentMessage reports whether a module error message describes a
// missing tool or resource.
func IsPermanentMessage(message string) bool {
	if message == "" {
		return false
	}
	lower := strings.ToLower(message)
	for _, phrase := range permanentPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
