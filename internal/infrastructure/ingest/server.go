// Package ingest receives the media receiver's telemetry stream. The
// receiver process connects over WebSocket and pushes one small JSON event
// per frame arrival plus occasional lifecycle events; the server fans them
// into the quality monitor and the pipeline state machine.
package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"harmlab/internal/core/services"
	"harmlab/internal/infrastructure/monitoring"
	"harmlab/internal/infrastructure/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the monitor listens on the receiver's loopback only
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// TelemetryEvent is one message from the media receiver. Frame events carry
// the encoded frame size; lifecycle events carry a detail string.
type TelemetryEvent struct {
	Event    string  `json:"event"`
	Bytes    int     `json:"bytes,omitempty"`
	UnixMs   int64   `json:"ts_unix_ms,omitempty"`
	Detail   string  `json:"detail,omitempty"`
	Sequence int64   `json:"seq,omitempty"`
	Fps      float64 `json:"fps,omitempty"`
}

// Server is the /frames WebSocket endpoint of the monitor daemon.
type Server struct {
	monitor   *services.StreamQualityMonitor
	machine   *pipeline.Machine
	collector *monitoring.PrometheusCollector
	log       *zap.SugaredLogger

	readTimeout time.Duration
}

func NewServer(monitor *services.StreamQualityMonitor, machine *pipeline.Machine, collector *monitoring.PrometheusCollector, log *zap.SugaredLogger) *Server {
	if collector != nil {
		monitor.SetStallHook(collector.RecordStall)
	}
	return &Server{
		monitor:     monitor,
		machine:     machine,
		collector:   collector,
		log:         log,
		readTimeout: 120 * time.Second,
	}
}

// HandleFrames serves one receiver connection until it closes. The stream
// dying mid-phase is not an error here: the monitor keeps ticking and the
// aggregation layer sees the zero windows.
func (s *Server) HandleFrames(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorw("telemetry upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.log.Infow("telemetry source connected", "remote", r.RemoteAddr)
	if s.collector != nil {
		s.collector.SourceConnected()
	}
	defer func() {
		if s.collector != nil {
			s.collector.SourceDisconnected()
		}
		s.log.Infow("telemetry source disconnected", "remote", r.RemoteAddr)
	}()

	var lastArrival time.Time
	for {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warnw("telemetry read failed", "error", err)
			}
			return
		}

		var ev TelemetryEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.log.Debugw("unparseable telemetry event dropped", "error", err)
			continue
		}

		s.dispatch(ev, &lastArrival)
	}
}

func (s *Server) dispatch(ev TelemetryEvent, lastArrival *time.Time) {
	switch ev.Event {
	case "frame":
		arrival := time.Now()
		if ev.UnixMs > 0 {
			arrival = time.UnixMilli(ev.UnixMs)
		}
		s.monitor.OnFrameAt(arrival, ev.Bytes)
		if s.machine != nil {
			s.machine.Deliver(pipeline.Event{Kind: pipeline.EventFrame})
		}
		if s.collector != nil {
			var delta time.Duration
			if !lastArrival.IsZero() {
				delta = arrival.Sub(*lastArrival)
			}
			*lastArrival = arrival
			s.collector.RecordFrame(delta)
		}

	case "eos":
		if s.machine != nil {
			s.machine.Deliver(pipeline.Event{Kind: pipeline.EventEndOfStream, Detail: ev.Detail})
		}

	case "error":
		if s.machine != nil {
			s.machine.Deliver(pipeline.Event{Kind: pipeline.EventPipelineError, Detail: ev.Detail})
		}

	case "state":
		if s.machine != nil {
			s.machine.Deliver(pipeline.Event{Kind: pipeline.EventStateChanged, Detail: ev.Detail})
		}

	case "stop":
		if s.machine != nil {
			s.machine.Deliver(pipeline.Event{Kind: pipeline.EventStop})
		}

	default:
		s.log.Debugw("unknown telemetry event", "event", ev.Event)
	}
}
