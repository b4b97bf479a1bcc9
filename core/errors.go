package core

import (
	"errors"
	"fmt"
)

// Stable error codes. Callers use these to tell "should never happen under a
// consistent catalog" failures apart from ordinary user error.
const (
	CodeReentrantInsert   = "NR001"
	CodeEpochNotFound     = "NR002"
	CodePartitionNotFound = "NR003"
)

// ErrReentrantInsert is returned when the insert entry point is invoked while
// an insert is already in progress within the same unit of work. The second
// call fails immediately with no other side effects.
var ErrReentrantInsert = errors.New("insert already in progress in this unit of work")

// EpochNotFoundError reports that no epoch window of a hypertable covers a
// row's time value. Under a consistent catalog this cannot happen; it is a
// metadata-corruption signal and aborts the whole unit of work.
type EpochNotFoundError struct {
	HypertableID int64
	Timestamp    int64
}

func (e *EpochNotFoundError) Error() string {
	return fmt.Sprintf("no epoch covers time %d for hypertable %d", e.Timestamp, e.HypertableID)
}

// PartitionNotFoundError reports that no partition range of an epoch covers a
// hashed key value. Like EpochNotFoundError it signals catalog corruption and
// is fatal to the unit of work.
type PartitionNotFoundError struct {
	EpochID int64
	KeyHash uint32
}

func (e *PartitionNotFoundError) Error() string {
	return fmt.Sprintf("no partition covers key hash %d in epoch %d", e.KeyHash, e.EpochID)
}

// IsEpochNotFound checks if an error is an EpochNotFoundError.
func IsEpochNotFound(err error) bool {
	var enf *EpochNotFoundError
	return errors.As(err, &enf)
}

// IsPartitionNotFound checks if an error is a PartitionNotFoundError.
func IsPartitionNotFound(err error) bool {
	var pnf *PartitionNotFoundError
	return errors.As(err, &pnf)
}

// ErrorCode maps an error to its stable code, or "" for errors outside the
// router's taxonomy.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrReentrantInsert):
		return CodeReentrantInsert
	case IsEpochNotFound(err):
		return CodeEpochNotFound
	case IsPartitionNotFound(err):
		return CodePartitionNotFound
	default:
		return ""
	}
}
