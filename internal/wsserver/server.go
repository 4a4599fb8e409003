package wsserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexa-mcp/fleet/internal/buffer"
	"github.com/nexa-mcp/fleet/internal/ports"
	"github.com/nexa-mcp/fleet/internal/statefile"
	"github.com/nexa-mcp/fleet/pkg/jsonfast"
	"github.com/nexa-mcp/fleet/pkg/jsonx"
)

// Ingress is the minimal surface wsserver needs to feed a parsed inbound frame into the
// message buffer (component A), per the core data flow: an inbound message at the server is
// parsed into a BufferedMessage and published to the buffer. buffer.Buffer satisfies this.
type Ingress interface {
	Publish(msg buffer.Message) error
}

// Config configures a Server's listener, connection limits, and timeouts.
type Config struct {
	BindAddr            string
	MaxConnections      int
	HandshakeTimeout    time.Duration
	ConnectionTimeout   time.Duration // a client idle this long is dropped by the health monitor
	HealthCheckInterval time.Duration
	ShutdownTimeout     time.Duration
	PIDFile             string
	StateFile           string
}

// DefaultConfig mirrors the original server's defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:0",
		MaxConnections:       1000,
		HandshakeTimeout:     5 * time.Second,
		ConnectionTimeout:    60 * time.Second,
		HealthCheckInterval:  10 * time.Second,
		ShutdownTimeout:      5 * time.Second,
		PIDFile:              "mcpd.pid",
		StateFile:            "mcpd.state",
	}
}

// Metrics is the point-in-time observable state of a running Server.
type Metrics struct {
	StartTime         time.Time
	TotalConnections  uint64
	ActiveConnections int64
	FailedConnections uint64
	LastError         string
	Uptime            time.Duration
}

type client struct {
	conn     *websocket.Conn
	lastSeen atomic.Int64 // unix nanos
}

// Server is the WebSocket front door: one TCP listener, an HTTP server whose only route
// upgrades every request to a WebSocket connection, and a read loop per connection. All
// mutation of lifecycle state goes through the state broadcaster; active_connections and the
// client map are the only other shared, concurrently-written fields and are guarded
// accordingly.
type Server struct {
	cfg Config
	log ports.Logger

	state *stateBroadcaster

	listenerMu sync.Mutex
	listener   net.Listener
	boundAddr  string
	httpServer *http.Server

	upgrader websocket.Upgrader

	totalConns  atomic.Uint64
	activeConns atomic.Int64
	failedConns atomic.Uint64
	lastErrMu   sync.Mutex
	lastErr     string
	startTime   time.Time

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]*client

	ingress        Ingress
	ingressMaxTry  uint32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SetIngress wires the buffer (component A) that inbound frames are published into, and the
// max_attempts a freshly ingested message is given. Must be called before Start; nil ingress
// (the zero value) leaves the server reply-only, which is what every pre-existing test does.
func (s *Server) SetIngress(ingress Ingress, maxAttempts uint32) {
	s.ingress = ingress
	s.ingressMaxTry = maxAttempts
}

// New constructs a Server in the Stopped state. Start must be called to bind and accept.
func New(cfg Config, log ports.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		state:   newStateBroadcaster(),
		clients: make(map[*websocket.Conn]*client),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	return s
}

// State returns the current lifecycle state.
func (s *Server) State() State { return s.state.get() }

// Subscribe observes every subsequent state transition.
func (s *Server) Subscribe() (<-chan State, func()) { return s.state.subscribe() }

// BoundAddr returns the address the listener actually bound to (useful with ephemeral ports).
// Empty until Start has bound the listener.
func (s *Server) BoundAddr() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	return s.boundAddr
}

// Snapshot returns the current metrics.
func (s *Server) Snapshot() Metrics {
	s.lastErrMu.Lock()
	lastErr := s.lastErr
	s.lastErrMu.Unlock()

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}
	return Metrics{
		StartTime:         s.startTime,
		TotalConnections:  s.totalConns.Load(),
		ActiveConnections: s.activeConns.Load(),
		FailedConnections: s.failedConns.Load(),
		LastError:         lastErr,
		Uptime:            uptime,
	}
}

// Start binds the listener and spawns the HTTP-upgrade accept path and health-monitor loop.
// It refuses to start if a PID file already names a live process, matching the
// "already running" guard.
func (s *Server) Start() error {
	if err := statefile.CheckAlreadyRunning(s.cfg.PIDFile); err != nil {
		return fmt.Errorf("wsserver: %w", err)
	}

	s.state.set(Starting)
	s.writeStateFile()

	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("wsserver: listen: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = ln
	s.boundAddr = ln.Addr().String()
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveUpgrade)
	s.httpServer = &http.Server{Handler: mux}
	s.listenerMu.Unlock()

	if err := statefile.WritePID(s.cfg.PIDFile); err != nil {
		s.setError(err)
		_ = ln.Close()
		return fmt.Errorf("wsserver: write pid: %w", err)
	}

	s.startTime = time.Now()
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.acceptLoop(ln)
	go s.healthMonitorLoop()

	s.state.set(Running)
	s.writeStateFile()
	s.log.Info("wsserver: started", ports.Field{Key: "addr", Value: s.boundAddr})
	return nil
}

func (s *Server) setError(err error) {
	s.lastErrMu.Lock()
	s.lastErr = err.Error()
	s.lastErrMu.Unlock()
	s.state.set(Error)
	s.writeStateFile()
}

func (s *Server) writeStateFile() {
	if s.cfg.StateFile == "" {
		return
	}
	text := s.state.get().String()
	if s.state.get() == Error {
		s.lastErrMu.Lock()
		text = "Error: " + s.lastErr
		s.lastErrMu.Unlock()
	}
	if err := statefile.WriteAtomic(s.cfg.StateFile, []byte(text)); err != nil {
		s.log.Warn("wsserver: failed to write state file", ports.Field{Key: "error", Value: err.Error()})
	}
}

// acceptLoop runs the HTTP server over the already-bound listener. http.Server.Serve returns
// once the listener is closed by Stop, at which point ErrServerClosed is expected and swallowed.
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.log.Warn("wsserver: accept loop exited", ports.Field{Key: "error", Value: err.Error()})
	}
}

// serveUpgrade is the sole HTTP route: it admission-controls on MaxConnections before
// attempting the WebSocket handshake, so a connection over the limit is rejected without ever
// completing the upgrade.
func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.activeConns.Load() >= int64(s.cfg.MaxConnections) {
		s.failedConns.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.failedConns.Add(1)
		s.log.Debug("wsserver: websocket upgrade failed", ports.Field{Key: "error", Value: err.Error()})
		return
	}

	s.totalConns.Add(1)
	s.activeConns.Add(1)
	s.wg.Add(1)
	go s.handleConnection(ws)
}

// handleConnection runs a single connection's read loop until it closes or errors.
func (s *Server) handleConnection(ws *websocket.Conn) {
	defer s.wg.Done()
	defer s.activeConns.Add(-1)

	c := &client{conn: ws}
	c.lastSeen.Store(time.Now().UnixNano())

	s.clientsMu.Lock()
	s.clients[ws] = c
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
		_ = ws.Close()
	}()

	s.readLoop(ws, c)
}

// readLoop dispatches each inbound frame per its opcode. Text and Binary frames always
// receive a reply; the default handler is intentionally permissive and replies success
// whether or not the text frame parses as JSON.
func (s *Server) readLoop(ws *websocket.Conn, c *client) {
	ws.SetPongHandler(func(string) error {
		c.lastSeen.Store(time.Now().UnixNano())
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.replyError(ws, err)
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())

		switch msgType {
		case websocket.TextMessage:
			s.handleText(ws, data)
		case websocket.BinaryMessage:
			s.handleBinary(ws, data)
		case websocket.PingMessage:
			_ = ws.WriteMessage(websocket.PongMessage, data)
		case websocket.PongMessage:
			// no-op; lastSeen already refreshed above
		case websocket.CloseMessage:
			_ = ws.WriteMessage(websocket.CloseMessage, data)
			return
		}
	}
}

type reply struct {
	Status  string
	Code    int
	Message string
	Size    int
}

func (s *Server) handleText(ws *websocket.Conn, data []byte) {
	var v interface{}
	_ = jsonx.Unmarshal(data, &v) // parse failure still gets the success reply; see doc comment above
	if !s.publishIngress(ws, data, buffer.Normal) {
		return
	}
	s.writeJSON(ws, reply{Status: "success", Code: 200})
}

func (s *Server) handleBinary(ws *websocket.Conn, data []byte) {
	if !s.publishIngress(ws, data, buffer.Normal) {
		return
	}
	s.writeJSON(ws, reply{Status: "success", Code: 200, Message: "binary frame received", Size: len(data)})
}

// publishIngress parses an inbound frame into a BufferedMessage and publishes it to the
// configured Ingress, per the core data flow (G parses and publishes to A). A nil ingress
// (no SetIngress call) leaves the server reply-only. Returns false, having already written the
// error reply, if publish fails (buffer full or message too large).
func (s *Server) publishIngress(ws *websocket.Conn, data []byte, priority buffer.Priority) bool {
	if s.ingress == nil {
		return true
	}
	msg := buffer.NewMessage(data, priority, s.ingressMaxTry)
	if err := s.ingress.Publish(msg); err != nil {
		s.writeJSON(ws, reply{Status: "error", Code: 503, Message: err.Error()})
		return false
	}
	return true
}

func (s *Server) replyError(ws *websocket.Conn, err error) {
	s.writeJSON(ws, reply{Status: "error", Code: 500, Message: err.Error()})
}

// writeJSON encodes r with the fixed-schema low-allocation builder rather than encoding/json:
// every reply this server ever sends has at most these four fields (message and size are
// omitted when empty).
func (s *Server) writeJSON(ws *websocket.Conn, r reply) {
	b := jsonfast.New(64)
	b.BeginObject()
	b.AddStringField("status", r.Status)
	b.AddIntField("code", r.Code)
	if r.Message != "" {
		b.AddStringField("message", r.Message)
	}
	if r.Size != 0 {
		b.AddIntField("size", r.Size)
	}
	b.EndObject()
	_ = ws.WriteMessage(websocket.TextMessage, b.Bytes())
}

// healthMonitorLoop refreshes uptime and evicts clients that have gone silent past
// ConnectionTimeout.
func (s *Server) healthMonitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictStaleClients()
		}
	}
}

func (s *Server) evictStaleClients() {
	cutoff := time.Now().Add(-s.cfg.ConnectionTimeout).UnixNano()
	s.clientsMu.Lock()
	stale := make([]*websocket.Conn, 0)
	for ws, c := range s.clients {
		if c.lastSeen.Load() < cutoff {
			stale = append(stale, ws)
		}
	}
	for _, ws := range stale {
		delete(s.clients, ws)
	}
	s.clientsMu.Unlock()

	for _, ws := range stale {
		_ = ws.Close()
	}
}

// Stop transitions Running -> Stopping -> Stopped, waiting up to ShutdownTimeout for the
// accept loop and all connection tasks to exit before force-closing the remaining client
// connections.
func (s *Server) Stop() error {
	if s.state.get() != Running {
		return nil
	}
	s.state.set(Stopping)
	s.writeStateFile()

	s.stopOnce.Do(func() { close(s.stopCh) })

	// Shutdown stops the accept loop and closes the listener immediately; it does not wait on
	// hijacked WebSocket connections, since those are no longer tracked as HTTP connections
	// once upgraded. The bounded wait below is what actually grace-drains them.
	_ = s.httpServer.Shutdown(context.Background())

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.closeAllClients()
		<-done
	}

	_ = statefile.Remove(s.cfg.PIDFile)
	_ = statefile.Remove(s.cfg.StateFile)

	s.state.set(Stopped)
	s.log.Info("wsserver: stopped")
	return nil
}

func (s *Server) closeAllClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ws := range s.clients {
		_ = ws.Close()
	}
}
