// calltip/calltip_errors.go
// Contains exported error definitions for the calltip package.
package calltip

import "errors"

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoDocComment indicates a resolved declaration carries no documentation
	// comment to extract from.
	ErrNoDocComment = errors.New("declaration has no documentation comment")

	// ErrMissingNode indicates an expected syntax node was absent during
	// extraction. Routed to the recovery policy as a nil-reference-style failure.
	ErrMissingNode = errors.New("expected syntax node missing")

	// ErrDocFormat indicates a documentation comment could not be split or
	// interpreted. Routed to the recovery policy as a type-mismatch-style failure.
	ErrDocFormat = errors.New("malformed documentation comment")

	// ErrCacheRead indicates failure reading from the persistent tip store.
	ErrCacheRead = errors.New("tip store read failed")

	// ErrCacheWrite indicates failure writing to the persistent tip store.
	ErrCacheWrite = errors.New("tip store write failed")

	// ErrCacheDecode indicates failure decoding data read from the tip store.
	ErrCacheDecode = errors.New("tip store decode failed")

	// ErrCacheEncode indicates failure encoding data for the tip store.
	ErrCacheEncode = errors.New("tip store encode failed")

	// ErrStoreClosed indicates an operation on a closed tip store.
	ErrStoreClosed = errors.New("tip store is closed")

	// ErrPositionOutOfRange indicates an offset is outside the valid bounds of
	// the document.
	ErrPositionOutOfRange = errors.New("offset out of range")

	// ErrInvalidURI indicates a document URI is invalid or uses an unsupported
	// scheme.
	ErrInvalidURI = errors.New("invalid document URI")

	// ErrRenderFailed indicates the host renderer could not display a tip.
	ErrRenderFailed = errors.New("tip rendering failed")

	// ErrExecutorClosed indicates work was posted to a stopped foreground
	// executor.
	ErrExecutorClosed = errors.New("foreground executor closed")
)
