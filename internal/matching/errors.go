package matching

import "errors"

// Error taxonomy. Operations wrap these with detail; callers test with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("lifecycle conflict")
	ErrPermission = errors.New("permission denied")
)
