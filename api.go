// Package depchain provides Byzantine fault-tolerant agreement on an ordered log of values:
//   - Authenticated perfect links over plain UDP datagrams
//   - Byzantine read/write epoch consensus with a static leader
//   - A static, explicitly injected membership with f = (N-1)/3 tolerated faults
//   - Pluggable consumers of the decided-value stream
//
// The decided values form the log a ledger appends as blocks. Every instance (epoch) of the
// protocol agrees on exactly one Value.
package depchain

import (
	"context"
	"fmt"
	"strconv"
)

// ProcessID identifies a process within the membership.
type ProcessID int32

// String returns string representation of ProcessID.
func (id ProcessID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Value is an optional string agreed upon by consensus.
// The zero Value is absent.
type Value struct {
	// Data of the Value. Meaningful only if Present.
	Data string
	// Present reports whether the Value carries Data.
	Present bool
}

// None is the absent Value.
var None = Value{}

// Some wraps the given string into a present Value.
func Some(data string) Value {
	return Value{Data: data, Present: true}
}

// String returns string representation of Value.
func (v Value) String() string {
	if !v.Present {
		return "<nil>"
	}
	return strconv.Quote(v.Data)
}

// Decision is the outcome of a single consensus instance.
type Decision struct {
	// Instance is the consensus instance the Value was decided in.
	Instance uint32
	// Value decided for the Instance.
	Value Value
}

// String returns string representation of Decision.
func (d Decision) String() string {
	return fmt.Sprintf("Decision{%d: %s}", d.Instance, d.Value)
}

// Ledger consumes decided values in the order of their instances.
//
// Append is called at most once per instance with monotonically increasing instances. It is
// called synchronously from the consensus processing loop, so it must not block on network I/O.
// Ledger failures are reported back but never affect consensus state.
type Ledger interface {
	Append(context.Context, Decision) error
}
