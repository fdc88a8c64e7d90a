package codec

import (
	"fmt"

	"github.com/pkg/errors"
)

// Malformed input is always fatal to the call that produced it.
var (
	ErrBufferUnderrun  = errors.New("codec: buffer underrun")
	ErrBadVersion      = errors.New("codec: bad message header version")
	ErrInvalidWireType = errors.New("codec: invalid wire type")
	ErrPrecisionLoss   = errors.New("codec: integer outside the exactly representable range")
	ErrNegativeSize    = errors.New("codec: negative size")
	ErrSizeLimit       = errors.New("codec: size exceeds limit")
	ErrDepthLimit      = errors.New("codec: nesting too deep")
)

// PrecisionLossError names the 64-bit value that could not be carried safely.
type PrecisionLossError struct {
	Value int64
}

func (e *PrecisionLossError) Error() string {
	return fmt.Sprintf("codec: %d exceeds +/-%d, unable to transfer it exactly", e.Value, MaxSafeInteger)
}

func (e *PrecisionLossError) Unwrap() error {
	return ErrPrecisionLoss
}
