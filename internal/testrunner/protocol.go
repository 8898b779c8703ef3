// Package testrunner implements the Test Runner: a coordinator process that
// discovers test files and a fleet of worker processes that load and run
// them, talking a small JSON-framed protocol over a local TCP connection
// (spec.md §4.7).
package testrunner

import (
	"bufio"
	"encoding/json"
	"net"
)

// TestError is the shape a worker reports for a failed hook or test.
type TestError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// Message is the single wire shape for every direction of the protocol.
// Only the fields relevant to Type are populated; the rest are zero values
// and omitted by the `omitempty` tags, keeping each frame close to what
// spec.md §4.7 lists for that message kind.
type Message struct {
	Type string `json:"type"`

	WorkerID int    `json:"workerId,omitempty"`
	NextFile string `json:"nextFile,omitempty"`

	TestCount int `json:"testCount,omitempty"`
	SkipCount int `json:"skipCount,omitempty"`
	OnlyCount int `json:"onlyCount,omitempty"`

	Desc    string `json:"desc,omitempty"`
	IsSuite bool   `json:"isSuite,omitempty"`
	Started int64  `json:"started,omitempty"`
	Ended   int64  `json:"ended,omitempty"`
	Timeout int    `json:"timeout,omitempty"`

	Error *TestError `json:"error,omitempty"`
}

// conn wraps a net.Conn with the JSON encoder/decoder pair both the
// coordinator and a worker use to exchange Messages. Each Send is exactly
// one write(); each Recv blocks for exactly one inbound JSON value, which
// is how spec.md §4.7 describes the framing ("reply as the next inbound
// chunk") without needing a length prefix.
type conn struct {
	nc  net.Conn
	enc *json.Encoder
	dec *json.Decoder
}

func newConn(nc net.Conn) *conn {
	return &conn{
		nc:  nc,
		enc: json.NewEncoder(nc),
		dec: json.NewDecoder(bufio.NewReader(nc)),
	}
}

func (c *conn) send(m Message) error {
	return c.enc.Encode(m)
}

func (c *conn) recv() (Message, error) {
	var m Message
	err := c.dec.Decode(&m)
	return m, err
}

func (c *conn) close() error {
	return c.nc.Close()
}
