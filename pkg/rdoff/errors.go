package rdoff

import "errors"

// Error kinds are distinct so callers can tell a wrong format from a wrong
// format generation, and a malformed record from an unknown one.
var (
	ErrFormat        = errors.New("not an RDOFF file")
	ErrVersion       = errors.New("unsupported RDOFF version")
	ErrRecord        = errors.New("invalid record length")
	ErrUnknownRecord = errors.New("unknown record type")
	ErrHeader        = errors.New("header not loaded")
	ErrSegments      = errors.New("too many segments")
	ErrNotFound      = errors.New("module not found in library")
)
