package store

import (
	"fmt"
	"github.com/ValentinKolb/memdb/lib/util"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the interface a protocol layer uses to access the key–value data.
// Write operations return only an error (nil on success), read operations return
// the requested data along with an error (nil on success). Errors returned by an
// implementation are of type *Error.
//
// Thread-safety: Implementations must be safe for concurrent use by many workers.
type IStore interface {
	// Lookup returns a copy of the value for a key. The boolean return value indicates
	// whether a value for the key was found.
	Lookup(key string) (value []byte, loaded bool, err error)
	// Upsert inserts or replaces the value for a key. The value is copied, the caller
	// may reuse the buffer afterward.
	Upsert(key string, value []byte) (err error)
	// Delete removes a key. The boolean return value indicates whether the key existed.
	Delete(key string) (deleted bool, err error)
	// Stats returns metadata about the store.
	// It is not guaranteed that all fields are up-to-date under concurrent writes!
	Stats() (info Info, err error)
	// Close releases all entries. Every operation after Close fails with RetCClosed.
	Close() (err error)
}

// Info describes the state of a store.
type Info struct {
	Entries           int                    `json:"entries"`
	Buckets           int                    `json:"buckets"`
	ShardCount        int                    `json:"shard_count"`
	ShardDistribution util.DistributionStats `json:"shard_distribution"`
	LongestChain      int                    `json:"longest_chain"`
	MedianValueSize   int                    `json:"median_value_size"`
	AverageValueSize  int                    `json:"average_value_size"`
	SizeBytes         int                    `json:"size_bytes"`
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                   // 1: Operation failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation.
	RetCCapacity                        // 3: The store cannot grow any further.
	RetCClosed                          // 4: The store was closed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCCapacity:
		return "Capacity"
	case RetCClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
