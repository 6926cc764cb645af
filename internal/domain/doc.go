// Package domain defines the typed, versioned object model persisted by the
// job repository.
//
// # Schema Model
//
// Every persisted class is described by a Schema: an ordered list of named
// Items plus a Version and the identity (category and name) of the owning
// class. An Item records one attribute's default value, its allowed types and
// its metaproperties (sequence, protected, transient, hidden and so on).
// Items are built through validating constructors so an inconsistent
// definition fails with a SchemaError when the class is registered, never
// when data is read.
//
// # Objects
//
// An Object is an instance of a Class. Attribute writes go through the
// Schema, which type-checks and normalizes values. Attribute values are one
// of three kinds: a scalar, a nested *Object, or a sequence ([]any).
//
// # Versions
//
// A Version is a (major, minor) pair. A reader can load a stored record when
// the majors match and the reader's minor is at least the stored minor.
//
// # Context
//
// Context carries the per-process state shared by schemas, the codec and
// the repository backends: the plugin registry used to resolve classes by
// (category, name), the configuration overlay for default values, the
// literal cache, and the memoized default values. It is constructed once per
// process and passed explicitly.
package domain
