// Package tracker implements pluggable metric sinks for training runs
package tracker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Tracker consumes the scalar metric stream of a training run. Metrics
// are keyed by a monotonically increasing cumulative frame counter.
// Delivery is best effort; callers are expected to log and swallow
// errors rather than abort training.
type Tracker interface {
	// LogScalar records one named scalar at the given cumulative frame
	// count
	LogScalar(name string, value float64, frame int) error

	// Close flushes and releases the tracker's resources
	Close() error
}

// scalar is the wire and file format of one metric emission
type scalar struct {
	Run   string  `json:"run"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Frame int     `json:"frame"`
}

// nop discards all metrics
type nop struct{}

// NewNop returns a Tracker that discards all metrics
func NewNop() Tracker {
	return nop{}
}

func (nop) LogScalar(string, float64, int) error { return nil }
func (nop) Close() error                         { return nil }

// file appends metrics to a JSON-lines file
type file struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	run string
}

// NewFile returns a Tracker appending one JSON object per metric to
// the file at path
func NewFile(path, run string) (Tracker, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("newfile: could not open metric file: %v",
			err)
	}
	return &file{f: f, w: bufio.NewWriter(f), run: run}, nil
}

// LogScalar implements Tracker
func (t *file) LogScalar(name string, value float64, frame int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	line, err := json.Marshal(scalar{
		Run:   t.run,
		Name:  name,
		Value: value,
		Frame: frame,
	})
	if err != nil {
		return fmt.Errorf("logscalar: could not marshal metric: %v", err)
	}
	if _, err := t.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("logscalar: could not write metric: %v", err)
	}
	return nil
}

// Close implements Tracker
func (t *file) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.w.Flush(); err != nil {
		t.f.Close()
		return fmt.Errorf("close: could not flush metrics: %v", err)
	}
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("close: could not close metric file: %v", err)
	}
	return nil
}

// remote POSTs metrics to an HTTP collection endpoint
type remote struct {
	url    string
	run    string
	client *http.Client
}

// NewRemote returns a Tracker POSTing each metric as JSON to the given
// URL
func NewRemote(url, run string) Tracker {
	return &remote{
		url:    url,
		run:    run,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// LogScalar implements Tracker
func (t *remote) LogScalar(name string, value float64, frame int) error {
	body, err := json.Marshal(scalar{
		Run:   t.run,
		Name:  name,
		Value: value,
		Frame: frame,
	})
	if err != nil {
		return fmt.Errorf("logscalar: could not marshal metric: %v", err)
	}

	resp, err := t.client.Post(t.url, "application/json",
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("logscalar: could not post metric: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("logscalar: metric endpoint returned %v",
			resp.Status)
	}
	return nil
}

// Close implements Tracker
func (t *remote) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
