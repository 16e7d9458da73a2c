package errors

// ErrorCode is the stable, machine-readable name of a failure. Codes are
// what logs, HTTP bodies and tests match on; messages may change.
type ErrorCode string

// Error is a coded error. Components wrap lower-level failures with the
// code of the layer reporting them, so a chain can carry several codes:
// CodeOf reads the outermost one and HasCode searches the whole chain.
type Error interface {
	error
	Code() ErrorCode
	// WithMessage and WithData return a copy; the receiver is unchanged.
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors. Packages take one with New() at the top of
// a function that can fail several ways.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
