// Package store enforces unique key policies on the documents of a partitioned collection.
//
// A [Collection] validates every create, upsert, replace and delete against the
// collection's [uniquekey.Policy] before the document is committed to its
// [DocumentStore]. Tuples of unique keys that include the partition key are checked in
// the owning partition's index; all other unique keys go through one authoritative
// index per key ([index.Coordinator]) so uniqueness holds across partitions.
//
// # Write sequence
//
// Each write reserves its tuples first, commits the document second, and releases the
// tuples it no longer needs last:
//
//	received -> keysExtracted -> checked -> committing -> committed
//	                                  \-> rejected
//	                                      committing -> rolledBack -> rejected
//
// A write that conflicts, or whose commit fails, rolls back every tuple it reserved, so a
// rejected write never leaves index entries behind. Rollback runs even when the caller's
// context is canceled.
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrDuplicateValue] - unique key violated (create, replace, strict upsert)
//   - [ErrRetryWith] - unique key violated on the insert path of an upsert
//   - [ErrNotFound] - document doesn't exist or has expired
//   - [ErrAlreadyExists] - document with this id already exists
//   - [ErrConcurrentModification] - optimistic lock failed
//   - [ErrPartitionKeyChanged] - replace tried to move a document to another partition key
//   - [ErrMissingID] - replace or delete without a string id
//
// Unique key violations are returned as [*ConflictError], which names the unique key,
// the colliding tuple, and the document that holds it.
//
// # Upsert conflicts
//
// An upsert that inserts a new document and collides on a unique key is reported as
// [ErrRetryWith] rather than [ErrDuplicateValue]. This keeps compatibility with the
// observed behavior of the service this package models. Set
// [Config.StrictUpsertConflicts] to report [ErrDuplicateValue] instead.
package store
