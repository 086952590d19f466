package attrtable

import (
	"fmt"

	"github.com/dot5enko/archive-cache/io"
)

// Save rewrites the sidecar in one pass through a synced temp file and rename.
func (t *Table) Save(path string) error {
	raw, err := t.Encode()
	if err != nil {
		return err
	}

	if err := io.WriteFileAtomic(path, raw); err != nil {
		return fmt.Errorf("unable to save string table: %w", err)
	}

	return nil
}
