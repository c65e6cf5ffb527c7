package syncmap

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateField = errors.New("syncmap: duplicate field name")
	ErrUnknownField   = errors.New("syncmap: unknown field")
	ErrSealed         = errors.New("syncmap: fields can not be registered after the first send")
	ErrNoSnapshot     = errors.New("syncmap: delta requested before any snapshot")
	ErrNotInitialized = errors.New("syncmap: delta received before the snapshot")
	ErrBadBitmap      = errors.New("syncmap: delta bitmap addresses unknown fields")
	ErrTrailingBytes  = errors.New("syncmap: trailing bytes after the payload")
	ErrBadPacketKind  = errors.New("syncmap: unknown packet kind")
)

// FieldError ties a codec failure to the field it happened on.
type FieldError struct {
	ID   FieldID
	Name string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("syncmap: field #%d %q: %v", e.ID, e.Name, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
