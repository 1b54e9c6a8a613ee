package errors

import (
	"github.com/sirupsen/logrus"
)

// LogError logs an error through the given logger, expanding AppError
// context into structured fields.
func LogError(logger *logrus.Logger, err error, message string, fields ...logrus.Fields) {
	entry := logger.WithError(err)

	if appErr, ok := err.(*AppError); ok {
		entry = entry.WithFields(logrus.Fields{
			"error_code": appErr.Code,
			"retryable":  appErr.Retryable,
		})
		for k, v := range appErr.Context {
			entry = entry.WithField(k, v)
		}
	}

	for _, field := range fields {
		entry = entry.WithFields(field)
	}

	entry.Error(message)
}
