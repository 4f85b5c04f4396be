package remixdb

import "github.com/Kevin-Yang1/remixdb/kv"

// Record, KeyRef and the record-level constants live in package kv so that
// memindex, wal, and zone can all depend on them without importing this
// top-level package (which in turn depends on all three). The aliases below
// let callers of the public API spell them as remixdb.Record without an
// extra import.
type (
	Record = kv.Record
	KeyRef = kv.KeyRef
)

const (
	KVSeed          = kv.KVSeed
	MaxCombinedSize = kv.MaxCombinedSize
	MaxFieldSize    = kv.MaxFieldSize
)

var (
	NewRecord    = kv.NewRecord
	NewTombstone = kv.NewTombstone
	NewKeyRef    = kv.NewKeyRef
	Hash32       = kv.Hash32
	DecodeVlen   = kv.DecodeVlen
	TooLarge     = kv.TooLarge
	NullKeyRef   = kv.NullKeyRef
)
