// Package repository defines the storage contract for registries.
//
// A registry is a named collection of objects. Each object is persisted as a
// Record: its id, class identity, an index blob for cheap listing, and the
// full data blob decoded only on access. Backends implement Backend; the
// sqlite, localdir and transient subpackages provide concrete ones.
//
// # Identity
//
// Ids are allocated by a Locker, are strictly increasing per registry and
// are never reused. Deleting an object leaves a tombstone in its slot.
//
// # Locking
//
// Locks are advisory and cooperative. A session must hold the lock on an id
// before flushing or deleting it; the registry package enforces that.
//
// # Failure handling
//
// Storage failures during writes surface as *RepositoryError. Decode
// problems with one record never abort a batch: they are collected and
// returned together once the remaining records are processed.
package repository
