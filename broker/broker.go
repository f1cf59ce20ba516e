// Package broker is the client side of a sideband discovery broker
// collaborator: register_producer(channel, metadata) and
// discover_producer(channel), called only at bind time — no steady-state
// traffic is required once a producer/consumer pair has bound.
//
// Grounded directly on a dial-a-Unix-socket publisher pattern:
// tolerate the peer not being up yet, retry a bounded number of times
// with a short sleep between attempts. Retargeted from a
// fire-and-forget JSON-line publisher to a request/response client —
// each call writes one JSON request line and reads one JSON response
// line back.
package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alephtx/datablock/errs"
)

// Registration is the metadata a producer advertises for its channel,
// register_producer's "metadata" argument.
type Registration struct {
	SegmentName    string `json:"segment_name"`
	SharedSecret   uint64 `json:"shared_secret"`
	SlotSchemaHash string `json:"slot_schema_hash"`
	FlexSchemaHash string `json:"flex_schema_hash"`
	SchemaVersion  uint32 `json:"schema_version"`
}

// Discovery is discover_producer's successful result.
type Discovery struct {
	SegmentName   string
	SharedSecret  uint64
	SchemaHash    string
	SchemaVersion uint32
}

type request struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client dials the broker's Unix socket and issues blocking
// request/response calls against it. Connection is established
// best-effort at construction and re-established lazily on the next
// call if the peer was not yet up.
type Client struct {
	path string
	mu   sync.Mutex
	conn net.Conn
}

// Dial creates a Client and attempts an initial connection. A failed
// initial dial is not an error — the broker may not be up yet — calls
// retry the connection themselves.
func Dial(path string) *Client {
	c := &Client{path: path}
	c.tryConnect()
	return c
}

func (c *Client) tryConnect() {
	conn, err := net.DialTimeout("unix", c.path, 2*time.Second)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) call(req request) (gjson.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("broker: marshal request: %w", err)
	}
	body = append(body, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if c.conn == nil {
			conn, err := net.DialTimeout("unix", c.path, 2*time.Second)
			if err != nil {
				lastErr = err
				time.Sleep(250 * time.Millisecond)
				continue
			}
			c.conn = conn
		}

		if _, err := c.conn.Write(body); err != nil {
			c.conn.Close()
			c.conn = nil
			lastErr = err
			continue
		}

		line, err := bufio.NewReader(c.conn).ReadBytes('\n')
		if err != nil {
			c.conn.Close()
			c.conn = nil
			lastErr = err
			continue
		}
		return gjson.ParseBytes(line), nil
	}
	return gjson.Result{}, fmt.Errorf("%w: broker unreachable at %s: %v", errs.ErrIO, c.path, lastErr)
}

// RegisterProducer advertises channel's binding metadata to the
// broker. This is a bind-time call only.
func (c *Client) RegisterProducer(channel string, reg Registration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("broker: marshal registration: %w", err)
	}
	result, err := c.call(request{Type: "register_producer", Channel: channel, Payload: payload})
	if err != nil {
		return err
	}
	if !result.Get("ok").Bool() {
		return fmt.Errorf("%w: register_producer(%s): %s", errs.ErrConfigInvalid, channel, result.Get("error").String())
	}
	return nil
}

// DiscoverProducer resolves channel to its current bound segment name,
// secret, and schema hash. Returns ErrNotFound if the channel has no
// registered producer.
func (c *Client) DiscoverProducer(channel string) (Discovery, error) {
	result, err := c.call(request{Type: "discover_producer", Channel: channel})
	if err != nil {
		return Discovery{}, err
	}
	if !result.Get("found").Bool() {
		return Discovery{}, fmt.Errorf("%w: channel %s", errs.ErrNotFound, channel)
	}
	return Discovery{
		SegmentName:   result.Get("segment_name").String(),
		SharedSecret:  result.Get("shared_secret").Uint(),
		SchemaHash:    result.Get("schema_hash").String(),
		SchemaVersion: uint32(result.Get("schema_version").Uint()),
	}, nil
}

// Close releases the broker connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
