package distill

import "github.com/pkg/errors"

// Error categories. Returned errors wrap one of these; test with errors.Is.
var (
	// ErrConfigurationMismatch reports teacher/student stage counts that
	// differ, normalization statistics that do not line up with the teacher
	// channels, or a connected student map whose shape differs from the
	// paired teacher map.
	ErrConfigurationMismatch = errors.New("configuration mismatch")

	// ErrInvalidHyperparameter reports a non-positive channel count, an
	// invalid kernel size or depth, or non-finite normalization statistics.
	ErrInvalidHyperparameter = errors.New("invalid hyperparameter")
)

func mismatchf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfigurationMismatch, format, args...)
}

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidHyperparameter, format, args...)
}
