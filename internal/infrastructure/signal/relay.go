// Package signal implements the rendezvous relay the media sender and
// receiver use to exchange session descriptions and candidates. The relay
// does not interpret payloads: every message a peer sends is rebroadcast
// verbatim to every other connected peer, which is all a two-peer
// experiment needs and keeps the relay off the experiment's data path.
package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"harmlab/pkg/utils"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // experiment slices are private networks
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Envelope is the part of a signaling message the relay is allowed to look
// at, used only for logging. The raw bytes are what gets forwarded.
type Envelope struct {
	SDP  json.RawMessage `json:"sdp,omitempty"`
	ICE  json.RawMessage `json:"ice,omitempty"`
	Type string          `json:"type,omitempty"`
}

// Kind classifies an envelope for logs: "sdp", "ice" or "other".
func (e Envelope) Kind() string {
	switch {
	case len(e.SDP) > 0:
		return "sdp"
	case len(e.ICE) > 0:
		return "ice"
	default:
		return "other"
	}
}

type peerConn struct {
	id   string
	conn *websocket.Conn

	// WriteJSON/WriteMessage on a gorilla conn must not be called
	// concurrently; broadcasts from different readers serialize here.
	writeMu sync.Mutex
}

func (p *peerConn) write(messageType int, data []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteMessage(messageType, data)
}

// Registry tracks the connected peers and fans messages out to everyone
// except the sender.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peerConn
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*peerConn)}
}

func (r *Registry) add(p *peerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.id] = p
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// broadcast forwards raw to every peer except from. Write failures are
// returned as the ids that could not be reached; the caller decides whether
// that matters.
func (r *Registry) broadcast(from string, messageType int, raw []byte, timeout time.Duration) []string {
	r.mu.RLock()
	targets := make([]*peerConn, 0, len(r.peers))
	for id, p := range r.peers {
		if id != from {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	var failed []string
	for _, p := range targets {
		if err := p.write(messageType, raw, timeout); err != nil {
			failed = append(failed, p.id)
		}
	}
	return failed
}

// Relay is the WebSocket signaling endpoint.
type Relay struct {
	registry *Registry

	msgRate      rate.Limit
	msgBurst     int
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewRelay(log *zap.SugaredLogger) *Relay {
	return &Relay{
		registry:     NewRegistry(),
		msgRate:      rate.Limit(100), // signaling is bursty but small
		msgBurst:     200,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       log,
	}
}

func (s *Relay) Registry() *Registry { return s.registry }

// SetRateLimit overrides the per-connection message rate policy.
func (s *Relay) SetRateLimit(perSecond float64, burst int) {
	if perSecond > 0 {
		s.msgRate = rate.Limit(perSecond)
	}
	if burst > 0 {
		s.msgBurst = burst
	}
}

// HandleWebSocket serves one peer for the lifetime of its connection. A
// misbehaving peer is rate limited and eventually dropped; the other peers
// keep being served.
func (s *Relay) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		peerID = utils.GeneratePeerID()
	}

	p := &peerConn{id: peerID, conn: conn}
	s.registry.add(p)
	defer func() {
		s.registry.remove(peerID)
		s.logger.Infow("peer disconnected", "peer_id", peerID, "remaining", s.registry.Len())
	}()

	s.logger.Infow("peer connected", "peer_id", peerID, "total", s.registry.Len())

	limiter := rate.NewLimiter(s.msgRate, s.msgBurst)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnw("read failed", "peer_id", peerID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		if !limiter.Allow() {
			s.logger.Warnw("peer exceeded message rate, dropping connection", "peer_id", peerID)
			return
		}

		var env Envelope
		_ = json.Unmarshal(raw, &env)

		failed := s.registry.broadcast(peerID, messageType, raw, s.writeTimeout)
		s.logger.Debugw("relayed message",
			"peer_id", peerID,
			"kind", env.Kind(),
			"bytes", len(raw),
			"failed_peers", failed,
		)
	}
}

// HealthCheck reports liveness and the connected peer count.
func (s *Relay) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"peers":     s.registry.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
