// Package errs defines the error kinds the core must represent (spec
// §7/SPEC_FULL §7) so callers can branch on failure category without
// string matching. Grounded on the teacher's error handling in
// pkg/relay/relay.go, which wraps low-level errors with fmt.Errorf("%w")
// and lets callers use errors.Is/errors.As; Kind follows the same
// sentinel-error idiom instead of introducing a custom error interface.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the core produces. Kinds are
// sentinel errors; wrap them with fmt.Errorf("...: %w", kind) to add
// context and compare with errors.Is.
type Kind error

var (
	FormatInvalid      Kind = errors.New("format invalid")
	CodecUnavailable   Kind = errors.New("codec unavailable")
	HardwareInitFailed Kind = errors.New("hardware init failed")
	ResampleFailed     Kind = errors.New("resample failed")
	ScaleFailed        Kind = errors.New("scale failed")
	CropFailed         Kind = errors.New("crop failed")
	FecDecodeFailed    Kind = errors.New("fec decode failed")
	FecDecodeNeedMore  Kind = errors.New("fec decode needs more symbols")
	FecPayloadTooLarge Kind = errors.New("fec payload too large for symbol size")
	RtpSendFailed      Kind = errors.New("rtp send failed")
	RtpSessionInvalid  Kind = errors.New("rtp session invalid")
	QueueClosed        Kind = errors.New("queue closed")
)

// Wrap attaches context to a Kind while preserving errors.Is(err, kind).
func Wrap(kind Kind, context string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", context, kind)
	}
	return fmt.Errorf("%s: %w: %v", context, kind, cause)
}

// Is reports whether err ultimately wraps kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
