package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/yaront1111/atelier/internal/logging"
	"github.com/yaront1111/atelier/internal/model"
)

// maxLineBytes bounds a single inbound message.
const maxLineBytes = 1 << 20

// HandlerFunc handles one inbound message type. It returns the reply type
// and payload, or an error translated into an ERROR reply for the caller.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (string, any, error)

type client struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (c *client) send(r Reply) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

// Server accepts client connections on a loopback TCP port and fans
// mutations back out to every connected client.
type Server struct {
	host     string
	basePort int
	portSpan int

	listener net.Listener
	port     int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	clients  map[*client]struct{}

	// ctx is the lifetime of every in-flight handler; Stop cancels it so
	// long-polls release their connections instead of running out their
	// timeouts.
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a server that will try ports [basePort, basePort+portSpan).
func NewServer(host string, basePort, portSpan int) *Server {
	if host == "" {
		host = "127.0.0.1"
	}
	if portSpan < 1 {
		portSpan = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		host:     host,
		basePort: basePort,
		portSpan: portSpan,
		handlers: make(map[string]HandlerFunc),
		clients:  make(map[*client]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Handle registers a handler for an inbound message type.
func (s *Server) Handle(msgType string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = handler
}

// Start binds the first free port in the configured range and begins
// accepting connections. It fails only after exhausting the whole range.
func (s *Server) Start() error {
	var lastErr error
	for p := s.basePort; p < s.basePort+s.portSpan; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, p))
		if err != nil {
			lastErr = err
			continue
		}
		s.listener = l
		s.port = p
		break
	}
	if s.listener == nil {
		return fmt.Errorf("no free port in %d-%d: %w", s.basePort, s.basePort+s.portSpan-1, lastErr)
	}

	logging.Info("control server listening", "addr", s.listener.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Port returns the bound port. Valid after Start succeeds.
func (s *Server) Port() int {
	return s.port
}

// Stop notifies every client the server is going away, closes all
// connections, and stops accepting. Safe to call more than once.
func (s *Server) Stop() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)

	// Unblock in-flight handlers (long-polls in particular) before closing
	// their connections, so the drain below is bounded by handler cleanup,
	// not by the longest outstanding wait.
	s.cancel()

	s.Broadcast(Reply{Type: MsgServerShutdown})

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

// Broadcast sends a message to every connected client.
func (s *Server) Broadcast(r Reply) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if err := c.send(r); err != nil {
			logging.Debug("broadcast write failed", "addr", c.conn.RemoteAddr().String(), "error", err)
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				logging.Warn("accept failed", "error", err)
				continue
			}
		}

		c := &client{conn: conn}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

func (s *Server) handleConnection(c *client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.conn.Close()
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	var inflight sync.WaitGroup
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.sendError(c, "", model.InvalidInput("malformed message: %v", err))
			continue
		}
		if msg.Type == "" {
			s.sendError(c, msg.ID, model.MissingField("type"))
			continue
		}

		s.mu.RLock()
		handler, ok := s.handlers[msg.Type]
		s.mu.RUnlock()
		if !ok {
			s.sendError(c, msg.ID, model.InvalidInput("unknown message type %q", msg.Type))
			continue
		}

		// Each message runs in its own goroutine so a long-poll (for
		// example WAIT_FOR_TASK) never stalls pings on the same
		// connection. The per-client write lock keeps frames intact.
		inflight.Add(1)
		go func(msg Message) {
			defer inflight.Done()
			defer func() { logging.CapturePanic(recover(), "msgType", msg.Type) }()

			replyType, payload, err := handler(ctx, msg.Payload)
			if err != nil {
				s.sendError(c, msg.ID, err)
				return
			}
			if err := c.send(Reply{Type: replyType, ID: msg.ID, Payload: payload}); err != nil {
				logging.Debug("reply write failed", "msgType", msg.Type, "error", err)
			}
		}(msg)
	}
	inflight.Wait()
}

func (s *Server) sendError(c *client, id string, err error) {
	me := model.AsError(err)
	payload := ErrorPayload{Kind: string(me.Kind), Message: me.Message, Details: me.Details}
	if sendErr := c.send(Reply{Type: MsgError, ID: id, Payload: payload}); sendErr != nil {
		logging.Debug("error reply write failed", "error", sendErr)
	}
}
