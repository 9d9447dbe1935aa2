// Package uniquekey models unique key policies and derives key tuples from documents.
//
// A [Policy] is an ordered list of [Definition] values. Each definition is an ordered
// list of JSON-pointer-like paths (for example "/name" or "/address/zip"). For every
// definition, [Extract] reads the value at each path of a document and produces a
// [Tuple]. Two documents violate a definition when their tuples are [Tuple.Equal].
//
// # Values
//
// Tuple elements are [Value]s. A path that does not resolve yields [Undefined], which is
// distinct from JSON null, so two documents that both omit "/address" still collide when
// their other fields match. Equality is type-sensitive: the string "1" never equals the
// number 1, while the numbers 1 and 1.0 are equal.
//
// Documents are DynamoDB attribute maps (map[string]types.AttributeValue), which is the
// item model used throughout this module.
package uniquekey
