package codec

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrSerialize         = errors.New("serialize")
	ErrDeserialize       = errors.New("deserialize")
	ErrInvalidEncoding   = errors.New("invalid utf-8 encoding")
	ErrUnsupportedSchema = errors.New("unsupported schema")
)
