package worlddb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInconsistent is returned when an object's payload contradicts its
	// index record, e.g. the self-id for the id space being loaded is missing
	// or differs from the requested id. Must not happen.
	ErrInconsistent = errors.New("inconsistent object record")

	// ErrUnreadable marks slots whose record refers to a class that is no
	// longer part of the program. Lookups of such slots report "not found".
	ErrUnreadable = errors.New("unreadable object")

	// ErrChunkTooLarge is returned when a single staged write does not fit
	// into the chunk size field. Callers must split large writes.
	ErrChunkTooLarge = errors.New("staged chunk too large")

	// ErrDeleted is returned when saving an object after Delete.
	ErrDeleted = errors.New("object deleted")

	ErrClosed        = errors.New("engine closed")
	ErrLoadTimeout   = errors.New("timed out waiting for object load")
	ErrPauseTimeout  = errors.New("timed out waiting for world lock holders")
	ErrStagedCorrupt = errors.New("staged file is corrupted")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// ClassError describes a failure concerning a particular class, optionally
// narrowed down to a field or an object id.
type ClassError struct {
	Class string
	Field string
	ID    int32
	Msg   string
	Err   error
}

func classErrf(class *ClassMetadata, fc *FieldCodec, id int32, err error, format string, args ...any) error {
	e := &ClassError{ID: id, Msg: fmt.Sprintf(format, args...), Err: err}
	if class != nil {
		e.Class = class.Name()
	}
	if fc != nil {
		e.Field = fc.key
	}
	return e
}

func (e *ClassError) Unwrap() error {
	return e.Err
}

func (e *ClassError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Class)
	if e.Field != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Field)
	}
	if e.ID >= 0 {
		fmt.Fprintf(&buf, "#%d", e.ID)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// ConfigError reports an invalid class or field declaration. Declarations
// run at startup, so these are raised by panicking.
type ConfigError struct {
	Class string
	Field string
	Msg   string
}

func configErrf(class, field string, format string, args ...any) *ConfigError {
	return &ConfigError{class, field, fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("worlddb: %s.%s: %s", e.Class, e.Field, e.Msg)
	}
	return fmt.Sprintf("worlddb: %s: %s", e.Class, e.Msg)
}
