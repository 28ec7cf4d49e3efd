package protocol

import (
	"encoding/json"
	"io"
	"sync"
)

// SerialWriter serializes writes to the underlying transport so that
// concurrent goroutines (the command dispatcher replying to a request,
// and any background task pushing an unsolicited line) never interleave
// partial JSON lines on the wire.
type SerialWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSerialWriter wraps w with a mutex-guarded line writer.
func NewSerialWriter(w io.Writer) *SerialWriter {
	return &SerialWriter{w: w}
}

// WriteJSON marshals v and writes it as a single newline-terminated line.
func (s *SerialWriter) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(data)
	return err
}
