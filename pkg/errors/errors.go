package errors

import "fmt"

// Common error types.
var (
	// Path and configuration errors.
	ErrInvalidPath    = fmt.Errorf("invalid path")
	ErrConfigParse    = fmt.Errorf("failed to parse config")
	ErrValidation     = fmt.Errorf("validation failed")
	ErrUnknownBackend = fmt.Errorf("unknown cache backend")

	// Archive errors.
	ErrArchiveMalformed = fmt.Errorf("malformed package archive")
	ErrIndexJSONMissing = fmt.Errorf("archive does not contain info/index.json")
	ErrUnknownExtension = fmt.Errorf("unrecognized package extension")

	// Cache errors.
	ErrCacheLocked = fmt.Errorf("cache is locked by another indexer")
	ErrCacheTooNew = fmt.Errorf("cache schema is newer than this version supports")

	// Emission errors.
	ErrPatchMalformed = fmt.Errorf("malformed patch instructions")
	ErrSubdirFailed   = fmt.Errorf("subdir failed to index")
)

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with additional formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
