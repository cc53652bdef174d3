package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/meeting-tensor/platform/internal/orchestrator"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Message is the envelope of a client control frame.
type Message struct {
	Type string `json:"type"`
}

// handleASR runs one live session over a websocket. Binary frames carry PCM audio,
// text frames carry JSON control messages; everything the session produces is
// written back as JSON text frames.
func (s *Server) handleASR(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		trace.Logger(r.Context()).Error("websocket accept error", "error", err)
		return
	}
	conn.SetReadLimit(ReadLimit)

	// Get trace context from HTTP upgrade request
	baseCtx := r.Context()
	log := trace.Logger(baseCtx)

	sess, err := s.sessions.Start(baseCtx)
	if err != nil {
		log.Error("session start failed", "error", err)
		s.write(baseCtx, conn, orchestrator.ErrorFor(err))
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	log = log.With("session_id", sess.ID(), "meeting_id", sess.MeetingID())
	log.Info("websocket connected", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(baseCtx, conn, sess)
	}()

	// The provider stream ending (or failing) ends the session.
	go func() {
		select {
		case <-sess.Ended():
		case <-sess.Done():
		}
		sess.Close(baseCtx)
	}()

	s.readLoop(baseCtx, conn, sess)
	sess.Close(baseCtx)
	<-writerDone
	log.Info("websocket disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *orchestrator.Session) {
	log := trace.Logger(ctx)
	rl := newRateLimiter()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if typ == websocket.MessageBinary {
			if err := sess.HandleAudio(ctx, data); err != nil {
				if !errors.Is(err, orchestrator.ErrSessionClosed) {
					log.Warn("forwarding audio failed", "error", err)
				}
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("ignoring malformed control message", "bytes", len(data))
			continue
		}

		// Check rate limit
		if !rl.allow(s.now()) {
			log.Warn("rate limit exceeded", "type", msg.Type)
			s.metrics.RecordControl(controlLabel(msg.Type), true)
			s.write(ctx, conn, orchestrator.ErrorMessage{
				Type:    orchestrator.TypeError,
				Code:    CodeRateLimited,
				Content: "rate limit exceeded",
			})
			continue
		}
		s.metrics.RecordControl(controlLabel(msg.Type), false)

		if msg.Type == orchestrator.ControlStop {
			return
		}
		if err := sess.HandleControl(msg.Type); err != nil {
			s.write(ctx, conn, orchestrator.ErrorFor(err))
		}
	}
}

// controlLabel bounds the metric label set to the known control types.
func controlLabel(kind string) string {
	switch kind {
	case orchestrator.ControlPause, orchestrator.ControlResume, orchestrator.ControlStop:
		return kind
	default:
		return "other"
	}
}

// writeLoop forwards session output until teardown completes, then flushes what is
// left and closes the connection. It keeps consuming after a write failure so the
// session never blocks on a dead client.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *orchestrator.Session) {
	broken := false
	send := func(msg any) {
		if broken {
			return
		}
		if err := s.write(ctx, conn, msg); err != nil {
			trace.Logger(ctx).Debug("websocket write error", "error", err)
			broken = true
		}
	}

	for {
		select {
		case msg := <-sess.Out():
			send(msg)
		case <-sess.Done():
			for {
				select {
				case msg := <-sess.Out():
					send(msg)
				default:
					_ = conn.Close(websocket.StatusNormalClosure, "session ended")
					return
				}
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg any) error {
	ctx, cancel := context.WithTimeout(trace.Detach(ctx), WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
