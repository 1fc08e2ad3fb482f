package upload

// ErrorCode classifies upload service failures
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeValidation
	ErrCodeSizeLimit
	ErrCodeNotFound
	ErrCodeIncomplete
	ErrCodeIntegrity
	ErrCodeStorage
	ErrCodeInternal
)

// Error represents an upload service error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
