// Package checkpointer persists model snapshots at frame milestones
package checkpointer

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpointer writes gob-serialized model snapshots, one file per
// checkpoint event. Files are keyed by the run name and the cumulative
// frame count in thousands, zero-padded to five digits, so an
// alphabetical listing of a run directory orders checkpoints by
// training progress.
type Checkpointer struct {
	dir string
}

// New returns a Checkpointer writing the checkpoints of the named run
// under dir
func New(dir, runName string) (*Checkpointer, error) {
	runDir := filepath.Join(dir, runName)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("new: could not create checkpoint "+
			"directory: %v", err)
	}
	return &Checkpointer{dir: runDir}, nil
}

// Path returns the checkpoint file path for the given cumulative frame
// count
func (c *Checkpointer) Path(frames int) string {
	return filepath.Join(c.dir, fmt.Sprintf("t%05d.bin", frames/1000))
}

// Save writes a snapshot of the model at the given cumulative frame
// count, replacing any previous snapshot at the same milestone
func (c *Checkpointer) Save(model gob.GobEncoder, frames int) error {
	path := c.Path(frames)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save: could not create checkpoint file: %v", err)
	}

	if err := gob.NewEncoder(file).Encode(model); err != nil {
		file.Close()
		return fmt.Errorf("save: could not encode model: %v", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("save: could not close checkpoint file: %v", err)
	}
	return nil
}

// Load reads the snapshot at the given cumulative frame count into
// model
func (c *Checkpointer) Load(model gob.GobDecoder, frames int) error {
	file, err := os.Open(c.Path(frames))
	if err != nil {
		return fmt.Errorf("load: could not open checkpoint file: %v", err)
	}
	defer file.Close()

	if err := gob.NewDecoder(file).Decode(model); err != nil {
		return fmt.Errorf("load: could not decode model: %v", err)
	}
	return nil
}
