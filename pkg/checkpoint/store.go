// Package checkpoint persists database images produced by
// sapling.DB.Checkpoint and feeds them back through sapling.DB.Restore.
package checkpoint

import (
	"io"
)

// Image is the part of *sapling.DB a store needs
type Image interface {
	Checkpoint(w io.Writer) error
	Restore(r io.Reader) error
}
