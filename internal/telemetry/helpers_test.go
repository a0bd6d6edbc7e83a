package telemetry

import (
	"errors"
	"sync"
)

// memSink records every write as a separate append.
type memSink struct {
	mu      sync.Mutex
	target  string
	writes  [][]byte
	failErr error
	short   bool
	closed  bool
}

func newMemSink(target string) *memSink { return &memSink{target: target} }

func (m *memSink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	if m.short && len(p) > 0 {
		m.writes = append(m.writes, append([]byte(nil), p[:len(p)-1]...))
		return len(p) - 1, nil
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

func (m *memSink) Target() string { return m.target }

func (m *memSink) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writes...)
}
