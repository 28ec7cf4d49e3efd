package client

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
)

// loopback feeds a client's writes into a canned set of reply lines,
// letting these tests exercise request framing without a real transport.
type loopback struct {
	written []string
	replies []string
	next    int
}

func (l *loopback) Write(p []byte) (int, error) {
	l.written = append(l.written, string(p))
	return len(p), nil
}

func (l *loopback) Read(p []byte) (int, error) {
	if l.next >= len(l.replies) {
		return 0, io.EOF
	}
	line := l.replies[l.next] + "\n"
	l.next++
	n := copy(p, line)
	return n, nil
}

func TestClientGetVersion(t *testing.T) {
	lb := &loopback{replies: []string{`{"version":"1.0.0"}`}}
	c := New(lb)
	v, err := c.GetVersion()
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %q", v)
	}
	if len(lb.written) != 1 {
		t.Fatalf("expected exactly one request written, got %d", len(lb.written))
	}
	var req map[string]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(lb.written[0])), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req["get"] != "version" {
		t.Errorf("expected get=version request, got %v", req)
	}
}

func TestClientSetSendsCorrectShape(t *testing.T) {
	lb := &loopback{replies: []string{`{"d1":1}`}}
	c := New(lb)
	if _, err := c.Set("d1", true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var req map[string]map[string]bool
	if err := json.Unmarshal([]byte(strings.TrimSpace(lb.written[0])), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if !req["set"]["d1"] {
		t.Errorf("expected set.d1=true, got %v", req)
	}
}
