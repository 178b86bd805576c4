package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// eventBuffer bounds how many broadcast messages a client queues before
// dropping events the reader has not drained.
const eventBuffer = 256

// DefaultCallTimeout bounds a Call unless the caller overrides it.
const DefaultCallTimeout = 10 * time.Second

// Client is a connection to a running daemon.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	pending   map[string]chan Reply
	events    chan Reply
	done      chan struct{}
	connected atomic.Bool
}

// Dial connects to the daemon on the given loopback port.
func Dial(host string, port int) (*Client, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Reply),
		events:  make(chan Reply, eventBuffer),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c, nil
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	if !c.connected.Swap(false) {
		return nil
	}
	close(c.done)
	return c.conn.Close()
}

// Events returns the stream of broadcast messages (replies not matched to a
// pending call), including entity lifecycle events and the shutdown notice.
func (c *Client) Events() <-chan Reply {
	return c.events
}

// Call sends one message and waits for its reply.
func (c *Client) Call(msgType string, payload any, timeout time.Duration) (Reply, error) {
	if !c.connected.Load() {
		return Reply{}, fmt.Errorf("not connected to daemon")
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	id := uuid.NewString()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Reply{}, err
		}
		raw = data
	}

	respChan := make(chan Reply, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	encoded, err := json.Marshal(Message{Type: msgType, ID: id, Payload: raw})
	if err != nil {
		return Reply{}, err
	}
	c.mu.Lock()
	_, err = c.conn.Write(append(encoded, '\n'))
	c.mu.Unlock()
	if err != nil {
		return Reply{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-respChan:
		return resp, nil
	case <-timer.C:
		return Reply{}, fmt.Errorf("%s: timed out after %s", msgType, timeout)
	case <-c.done:
		return Reply{}, fmt.Errorf("client closed")
	}
}

// Decode unmarshals a reply payload into out.
func Decode(r Reply, out any) error {
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ReplyError converts an ERROR reply into a Go error, or nil for any other
// reply type.
func ReplyError(r Reply) error {
	if r.Type != MsgError {
		return nil
	}
	var p ErrorPayload
	if err := Decode(r, &p); err != nil {
		return fmt.Errorf("daemon error (undecodable payload): %v", err)
	}
	return fmt.Errorf("%s: %s", p.Kind, p.Message)
}

func (c *Client) readLoop() {
	defer close(c.events)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		var reply Reply
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			continue
		}

		if reply.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[reply.ID]
			c.mu.Unlock()
			if ok {
				ch <- reply
				continue
			}
		}

		select {
		case c.events <- reply:
		case <-c.done:
			return
		default:
			// Reader is not draining; drop the event.
		}
	}
}
