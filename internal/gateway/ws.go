package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/sizing"
)

// Worker websocket frame types.
const (
	frameDispatch = "dispatch"
	frameReport   = "report"
	frameRegister = "register"
)

// workerFrame is one message on the worker channel, tagged by Type. The
// server sends dispatch frames; the worker sends register and report
// frames.
type workerFrame struct {
	Type     string                 `json:"type"`
	Dispatch *bus.TaskDispatchEvent `json:"dispatch,omitempty"`
	Report   *bus.TaskUpdateEvent   `json:"report,omitempty"`
	Profile  *workerProfileFrame    `json:"profile,omitempty"`
}

// workerProfileFrame is the wire form of a worker registration.
type workerProfileFrame struct {
	ID            string   `json:"id,omitempty"`
	Class         string   `json:"class,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
	MaxDataBytes  int64    `json:"max_data_bytes"`
	Preferred     []string `json:"preferred,omitempty"`
}

// handleWorkerWS is the remote worker channel. The server streams
// task.dispatch events addressed to the connected worker; the worker
// streams status reports back and may register its capacity profile.
func (s *Server) handleWorkerWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		s.writeError(w, http.StatusBadRequest, "worker_id query parameter required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("worker ws accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.cfg.Bus.Subscribe(bus.TopicTaskDispatch)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("worker connected", "worker_id", workerID)
	defer s.logger.Info("worker disconnected", "worker_id", workerID)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				dispatch, ok := bus.As[bus.TaskDispatchEvent](ev)
				if !ok || dispatch.WorkerID != workerID {
					continue
				}
				frame := workerFrame{Type: frameDispatch, Dispatch: &dispatch}
				if err := wsjson.Write(ctx, conn, frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var frame workerFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		switch frame.Type {
		case frameRegister:
			s.registerWorker(ctx, workerID, frame.Profile)
		case frameReport:
			if frame.Report == nil {
				continue
			}
			report := *frame.Report
			if report.WorkerID == "" {
				report.WorkerID = workerID
			}
			if report.Timestamp.IsZero() {
				report.Timestamp = time.Now().UTC()
			}
			s.cfg.Reports.Deliver(report)
		default:
			s.logger.Debug("unknown worker frame", "worker_id", workerID, "type", frame.Type)
		}
	}
}

func (s *Server) registerWorker(ctx context.Context, workerID string, frame *workerProfileFrame) {
	if frame == nil || s.cfg.Sizing == nil {
		return
	}
	profile := sizing.WorkerProfile{
		ID:            frame.ID,
		Class:         frame.Class,
		MaxConcurrent: frame.MaxConcurrent,
		MaxDataBytes:  frame.MaxDataBytes,
	}
	if profile.ID == "" {
		profile.ID = workerID
	}
	for _, p := range frame.Preferred {
		profile.Preferred = append(profile.Preferred, sizing.Class(p))
	}
	if err := s.cfg.Sizing.Register(ctx, profile); err != nil {
		s.logger.Warn("worker registration", "worker_id", workerID, "error", err)
		return
	}
	s.logger.Info("worker registered", "worker_id", profile.ID, "class", profile.Class)
}

// eventFrame is one message on the dashboard event stream.
type eventFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEventsWS streams bus events to dashboards. The topics query
// parameter narrows the stream to a comma-separated list of topic
// prefixes; the default covers the full lifecycle.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	prefixes := []bus.Topic{
		bus.TopicPrefixTask,
		bus.TopicPrefixSLA,
		bus.TopicPrefixOrigin,
		bus.TopicPrefixIntent,
	}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		prefixes = prefixes[:0]
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, bus.Topic(p))
			}
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("events ws accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server error")

	// Write-only socket: CloseRead cancels the context when the client
	// goes away.
	ctx := conn.CloseRead(r.Context())

	merged := make(chan bus.Event, 64)
	for _, prefix := range prefixes {
		sub := s.cfg.Bus.Subscribe(prefix)
		defer s.cfg.Bus.Unsubscribe(sub)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-merged:
			if err := wsjson.Write(ctx, conn, eventFrame{
				Topic:   string(ev.Topic),
				Payload: ev.Payload,
			}); err != nil {
				return
			}
		}
	}
}
