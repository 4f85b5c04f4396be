package remixdb

import (
	"errors"

	"github.com/Kevin-Yang1/remixdb/qsbr"
)

// Sentinel errors, grounded on package.go's ErrDisabled and on spec.md §7's
// error taxonomy (ResourceExhausted, Corruption, UserInputTooLarge;
// NotFound is not in this set since Get/Probe already encode it as a bool
// return rather than an error, matching spec.md §7's "NotFound is not an
// error").
var (
	// ErrDisabled is returned when an operation is attempted on a store
	// that is closed or mid-shutdown.
	ErrDisabled = errors.New("remixdb: disabled")
	// ErrKeyTooLarge names the condition where klen+vlen exceeds
	// MaxCombinedSize or either field alone reaches MaxFieldSize. No
	// operation returns it: Put reports that case by returning false.
	ErrKeyTooLarge = errors.New("remixdb: key or value too large")
	// ErrCorruption names a WAL record failing its CRC32C check. No code
	// path returns or logs it: recovery simply stops replay at that record.
	ErrCorruption = errors.New("remixdb: corruption detected")
	// ErrCapacityExceeded aliases qsbr.ErrCapacityExceeded so callers of
	// NewRef can check errors.Is(err, remixdb.ErrCapacityExceeded) without
	// reaching into the qsbr package directly.
	ErrCapacityExceeded = qsbr.ErrCapacityExceeded
)
