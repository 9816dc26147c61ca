package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Namespace separates the typed value spaces of the data store, so the same
// key may hold a uint and a bool independently.
type Namespace uint8

const (
	NamespaceUint Namespace = iota + 1
	NamespaceInt
	NamespaceBool
	NamespaceAddress
	NamespaceBytes32
	NamespaceBytes
)

// String returns the namespace label used in backend key names.
func (n Namespace) String() string {
	switch n {
	case NamespaceUint:
		return "uint"
	case NamespaceInt:
		return "int"
	case NamespaceBool:
		return "bool"
	case NamespaceAddress:
		return "address"
	case NamespaceBytes32:
		return "bytes32"
	case NamespaceBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// MutationKind enumerates backend write operations.
type MutationKind uint8

const (
	MutationPut MutationKind = iota + 1
	MutationDelete
	MutationAddMember
	MutationRemoveMember
)

// Mutation is one buffered backend write. Put and Delete address a value by
// (Namespace, Key); AddMember and RemoveMember address the ordered set Key.
type Mutation struct {
	Kind      MutationKind
	Namespace Namespace
	Key       common.Hash
	Value     []byte
	Member    common.Hash
}

// Backend is the raw storage engine behind a DataStore. Apply must make the
// whole batch visible atomically.
type Backend interface {
	Get(ctx context.Context, ns Namespace, key common.Hash) ([]byte, bool, error)
	Members(ctx context.Context, setKey common.Hash) ([]common.Hash, error)
	Apply(ctx context.Context, batch []Mutation) error
	// Incr atomically increments the counter at key and returns the new
	// value. Counters bypass transactions: a value is never handed out twice,
	// even when the transaction that drew it is discarded.
	Incr(ctx context.Context, key common.Hash) (uint64, error)
}

// DataStore is the typed key-value store every component reads and writes.
// Missing values read as their zero value.
type DataStore interface {
	GetUint(ctx context.Context, key common.Hash) (*big.Int, error)
	SetUint(ctx context.Context, key common.Hash, value *big.Int) error
	RemoveUint(ctx context.Context, key common.Hash) error
	ApplyDeltaToUint(ctx context.Context, key common.Hash, delta *big.Int) (*big.Int, error)
	IncrementUint(ctx context.Context, key common.Hash, delta *big.Int) (*big.Int, error)
	// NextSequence draws the next value of a counter shared by every
	// transaction, starting at 1.
	NextSequence(ctx context.Context, key common.Hash) (*big.Int, error)

	GetInt(ctx context.Context, key common.Hash) (*big.Int, error)
	SetInt(ctx context.Context, key common.Hash, value *big.Int) error
	ApplyDeltaToInt(ctx context.Context, key common.Hash, delta *big.Int) (*big.Int, error)

	GetBool(ctx context.Context, key common.Hash) (bool, error)
	SetBool(ctx context.Context, key common.Hash, value bool) error

	GetAddress(ctx context.Context, key common.Hash) (common.Address, error)
	SetAddress(ctx context.Context, key common.Hash, value common.Address) error

	GetBytes32(ctx context.Context, key common.Hash) (common.Hash, error)
	SetBytes32(ctx context.Context, key common.Hash, value common.Hash) error

	GetBytes(ctx context.Context, key common.Hash) ([]byte, error)
	SetBytes(ctx context.Context, key common.Hash, value []byte) error
	RemoveBytes(ctx context.Context, key common.Hash) error

	AddBytes32(ctx context.Context, setKey, value common.Hash) error
	RemoveBytes32(ctx context.Context, setKey, value common.Hash) error
	ContainsBytes32(ctx context.Context, setKey, value common.Hash) (bool, error)
	GetBytes32Count(ctx context.Context, setKey common.Hash) (int, error)
	GetBytes32ValuesAt(ctx context.Context, setKey common.Hash, start, end int) ([]common.Hash, error)
}

// TxDataStore is a DataStore that can run a function atomically: writes made
// through tx become visible only if fn returns nil.
type TxDataStore interface {
	DataStore
	WithTx(ctx context.Context, fn func(tx TxDataStore) error) error
}

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventRecord is one persisted event log row.
type EventRecord struct {
	ID        int64     `json:"id"`
	Event     Event     `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

// EventLog persists an append-only log of emitted events.
type EventLog interface {
	Append(ctx context.Context, ev Event) error
	List(ctx context.Context, opts ListOpts) ([]EventRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]EventRecord, error)
	DeleteThrough(ctx context.Context, lastID int64) (int64, error)
}
