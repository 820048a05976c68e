// Package metastore implements an etcd-shaped replicated metadata store:
// a revisioned key-value space with compare-and-swap transactions, prefix
// watches and lease-scoped keys. It is the single source of truth the
// global scheduler, local schedulers, group controller and bundle manager
// persist topology, placement, group and bundle state into.
package metastore

import "time"

// KeyValue is one stored entry. CreateRevision/ModRevision/Version mirror
// etcd's mvcc semantics: CreateRevision is set once and never changes,
// ModRevision advances on every write, Version counts writes since creation.
type KeyValue struct {
	Key            string
	Value          []byte
	CreateRevision int64
	ModRevision    int64
	Version        int64
	Lease          int64
}

// EventType distinguishes a watch notification's kind.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event is one change delivered to a watcher.
type Event struct {
	Type EventType
	Kv   KeyValue
	Prev *KeyValue
}

// PutRequest writes or overwrites a single key.
type PutRequest struct {
	Key      string
	Value    []byte
	Lease    int64
	PrevKv   bool
}

// PutResponse carries the resulting key-value and the previous value when
// PrevKv was requested.
type PutResponse struct {
	Kv       KeyValue
	PrevKv   *KeyValue
	Revision int64
}

// RangeRequest fetches a single key, or every key in [Key, RangeEnd) when
// RangeEnd is non-empty, matching etcd's prefix-scan convention.
type RangeRequest struct {
	Key      string
	RangeEnd string
	Limit    int64
	CountOnly bool
}

// RangeResponse is the result of a RangeRequest.
type RangeResponse struct {
	Kvs      []KeyValue
	Count    int64
	Revision int64
}

// DeleteRangeRequest deletes a single key, or a prefix range when RangeEnd
// is set.
type DeleteRangeRequest struct {
	Key      string
	RangeEnd string
	PrevKv   bool
}

// DeleteRangeResponse reports how many keys were removed.
type DeleteRangeResponse struct {
	Deleted  int64
	PrevKvs  []KeyValue
	Revision int64
}

// CompareTarget names which field of the stored key a Compare checks.
type CompareTarget string

const (
	CompareVersion CompareTarget = "version"
	CompareCreate  CompareTarget = "create"
	CompareMod     CompareTarget = "mod"
	CompareValue   CompareTarget = "value"
)

// CompareResult is the relational operator applied between the stored field
// and Compare.Value/Revision.
type CompareResult string

const (
	CompareEqual    CompareResult = "="
	CompareGreater  CompareResult = ">"
	CompareLess     CompareResult = "<"
	CompareNotEqual CompareResult = "!="
)

// Compare is one guard clause of a transaction's If list.
type Compare struct {
	Key      string
	Target   CompareTarget
	Result   CompareResult
	Value    []byte
	Revision int64
}

// Op is a single Put/Get/Delete operation used inside a transaction's
// Then/Else branch.
type Op struct {
	Put    *PutRequest
	Get    *RangeRequest
	Delete *DeleteRangeRequest
}

// TxnRequest evaluates every Compare; if all hold, Then runs, otherwise Else
// runs. Either branch's effects are applied atomically.
type TxnRequest struct {
	Compare []Compare
	Then    []Op
	Else    []Op
}

// OpResponse is the result of one Op inside a TxnResponse.
type OpResponse struct {
	Put    *PutResponse
	Get    *RangeResponse
	Delete *DeleteRangeResponse
}

// TxnResponse reports which branch ran and its per-op results.
type TxnResponse struct {
	Succeeded bool
	Responses []OpResponse
	Revision  int64
}

// Lease is a TTL-bound grant that keys can be attached to; when it expires
// every attached key is deleted, one DeleteRange per key, so each key's
// deletion gets its own revision rather than one shared revision.
type Lease struct {
	ID        int64
	TTL       time.Duration
	GrantedAt time.Time
	ExpiresAt time.Time
	Keys      map[string]struct{}
}

func (l *Lease) expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
