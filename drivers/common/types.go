// Package common contains the pieces a filesystem needs on top of a raw block
// device: bounds checking, a volume offset, and byte-granular access.
package common

// LogicalBlock is a sector index relative to the start of a volume.
type LogicalBlock uint
