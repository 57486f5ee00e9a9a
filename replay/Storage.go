package replay

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"sfneuman.com/dqn/environment"
	ts "sfneuman.com/dqn/timestep"
)

// Storage is a fixed-capacity slot store of transitions backing a
// replay buffer. Implementations must guarantee that a Read of a slot
// returns exactly what the last Write to that slot stored; a Read of
// a never-written slot is undefined and guarded against by the buffer.
type Storage interface {
	// Write stores a transition at the given slot
	Write(slot int, t ts.Transition) error

	// Read returns the transition stored at the given slot
	Read(slot int) (ts.Transition, error)

	// Capacity returns the number of slots
	Capacity() int

	// Close releases the resources of the storage
	Close() error
}

// Scalar fields of a stored transition record: action, reward, done,
// step count, episode reward
const recordScalars = 5

// recordFloats returns the number of float64 values in one stored
// transition record for the given observation spec
func recordFloats(spec environment.Spec) int {
	return 2*spec.ObsSize() + recordScalars
}

// encodeRecord flattens a transition into a record of float64 values.
// The Aux and Worker fields are stripped: both are only meaningful
// before storage.
func encodeRecord(record []float64, spec environment.Spec,
	t ts.Transition) {
	i := 0
	i += copy(record[i:], t.Observation.Raster)
	i += copy(record[i:], t.Observation.Vector)
	i += copy(record[i:], t.NextObservation.Raster)
	i += copy(record[i:], t.NextObservation.Vector)
	record[i] = float64(t.Action)
	record[i+1] = t.Reward
	if t.Done {
		record[i+2] = 1
	} else {
		record[i+2] = 0
	}
	record[i+3] = float64(t.StepCount)
	record[i+4] = t.EpisodeReward
}

// decodeRecord reconstructs a transition from a record of float64
// values
func decodeRecord(record []float64, spec environment.Spec) ts.Transition {
	r, v := spec.RasterSize(), spec.VectorDim
	i := 0
	obs := ts.NewObservation(record[i:i+r], record[i+r:i+r+v])
	i += r + v
	next := ts.NewObservation(record[i:i+r], record[i+r:i+r+v])
	i += r + v

	return ts.Transition{
		Observation:     obs,
		Action:          int(record[i]),
		Reward:          record[i+1],
		NextObservation: next,
		Done:            record[i+2] != 0,
		StepCount:       int(record[i+3]),
		EpisodeReward:   record[i+4],
	}
}

// memoryStorage implements Storage in process memory
type memoryStorage struct {
	spec     environment.Spec
	capacity int
	data     []float64
}

// NewMemoryStorage returns a Storage holding capacity transitions in
// process memory
func NewMemoryStorage(spec environment.Spec, capacity int) (Storage,
	error) {
	if capacity < 1 {
		return nil, fmt.Errorf("newmemorystorage: capacity must be "+
			"positive \n\thave(%v)", capacity)
	}
	return &memoryStorage{
		spec:     spec,
		capacity: capacity,
		data:     make([]float64, capacity*recordFloats(spec)),
	}, nil
}

// Write implements Storage
func (m *memoryStorage) Write(slot int, t ts.Transition) error {
	if slot < 0 || slot >= m.capacity {
		return fmt.Errorf("write: slot out of range \n\twant(0 - %v)"+
			"\n\thave(%v)", m.capacity-1, slot)
	}
	size := recordFloats(m.spec)
	encodeRecord(m.data[slot*size:(slot+1)*size], m.spec, t)
	return nil
}

// Read implements Storage
func (m *memoryStorage) Read(slot int) (ts.Transition, error) {
	if slot < 0 || slot >= m.capacity {
		return ts.Transition{}, fmt.Errorf("read: slot out of range "+
			"\n\twant(0 - %v)\n\thave(%v)", m.capacity-1, slot)
	}
	size := recordFloats(m.spec)
	return decodeRecord(m.data[slot*size:(slot+1)*size], m.spec), nil
}

// Capacity implements Storage
func (m *memoryStorage) Capacity() int {
	return m.capacity
}

// Close implements Storage
func (m *memoryStorage) Close() error {
	m.data = nil
	return nil
}

// memmapStorage implements Storage on a memory-mapped scratch file so
// that large buffers spill to disk instead of occupying process
// memory. Storage I/O failures are returned to the caller and treated
// as fatal by the buffer: sampling correctness depends on durable
// reads.
type memmapStorage struct {
	spec     environment.Spec
	capacity int
	file     *os.File
	data     mmap.MMap
}

// NewMemmapStorage returns a Storage holding capacity transitions in a
// memory-mapped file under dir
func NewMemmapStorage(spec environment.Spec, capacity int,
	dir string) (Storage, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("newmemmapstorage: capacity must be "+
			"positive \n\thave(%v)", capacity)
	}

	path := filepath.Join(dir, "replay.dat")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("newmemmapstorage: could not open scratch "+
			"file: %v", err)
	}

	size := int64(capacity) * int64(recordFloats(spec)) * 8
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("newmemmapstorage: could not size scratch "+
			"file to %v bytes: %v", size, err)
	}

	data, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("newmemmapstorage: could not map scratch "+
			"file: %v", err)
	}

	return &memmapStorage{
		spec:     spec,
		capacity: capacity,
		file:     file,
		data:     data,
	}, nil
}

// Write implements Storage
func (m *memmapStorage) Write(slot int, t ts.Transition) error {
	if slot < 0 || slot >= m.capacity {
		return fmt.Errorf("write: slot out of range \n\twant(0 - %v)"+
			"\n\thave(%v)", m.capacity-1, slot)
	}

	size := recordFloats(m.spec)
	record := make([]float64, size)
	encodeRecord(record, m.spec, t)

	off := slot * size * 8
	for i, v := range record {
		binary.LittleEndian.PutUint64(m.data[off+8*i:], math.Float64bits(v))
	}
	return nil
}

// Read implements Storage
func (m *memmapStorage) Read(slot int) (ts.Transition, error) {
	if slot < 0 || slot >= m.capacity {
		return ts.Transition{}, fmt.Errorf("read: slot out of range "+
			"\n\twant(0 - %v)\n\thave(%v)", m.capacity-1, slot)
	}

	size := recordFloats(m.spec)
	record := make([]float64, size)
	off := slot * size * 8
	for i := range record {
		record[i] = math.Float64frombits(
			binary.LittleEndian.Uint64(m.data[off+8*i:]))
	}
	return decodeRecord(record, m.spec), nil
}

// Capacity implements Storage
func (m *memmapStorage) Capacity() int {
	return m.capacity
}

// Close implements Storage
func (m *memmapStorage) Close() error {
	if err := m.data.Unmap(); err != nil {
		m.file.Close()
		return fmt.Errorf("close: could not unmap scratch file: %v", err)
	}
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("close: could not close scratch file: %v", err)
	}
	return nil
}
