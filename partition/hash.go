// Package partition resolves a row's (time, key) coordinates to an epoch and
// a partition. Resolution is pure: both lookups are deterministic functions
// over catalog snapshots fetched by the caller.
package partition

import (
	"fmt"
	"strconv"

	"github.com/INLOpen/nexusroute/core"
	"github.com/cespare/xxhash/v2"
)

// Func hashes a key value into the unhashed keyspace. The resolver applies
// the epoch's modulus afterwards.
type Func func(core.Value) uint32

// Well-known partitioning function ids, stored in the catalog on each epoch.
const (
	// FuncIdentity maps integral keys directly; non-integral keys hash.
	FuncIdentity = 0
	// FuncXXHash hashes the canonical string form of the key.
	FuncXXHash = 1
)

var funcs = map[int]Func{
	FuncIdentity: identityFunc,
	FuncXXHash:   xxhashFunc,
}

// FuncByID returns the partitioning function registered under id.
func FuncByID(id int) (Func, error) {
	f, ok := funcs[id]
	if !ok {
		return nil, fmt.Errorf("partition: unknown partitioning function id %d", id)
	}
	return f, nil
}

func xxhashFunc(v core.Value) uint32 {
	return uint32(xxhash.Sum64String(core.FormatValue(v)))
}

func identityFunc(v core.Value) uint32 {
	switch x := v.(type) {
	case int64:
		return uint32(x)
	case int:
		return uint32(x)
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return uint32(n)
		}
	}
	return xxhashFunc(v)
}
