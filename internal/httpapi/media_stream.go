package httpapi

import (
	"context"
	"net/http"

	"github.com/antoniostano/callbridge/internal/bridge"
)

// handleMediaStream accepts one telephony websocket and bridges it to a fresh
// realtime session for as long as the telephony leg stays up.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		s.metrics.ObserveSessionEvent("upgrade_failed")
		return
	}
	conn.SetReadLimit(1 << 20)

	call := s.calls.Create(r.RemoteAddr)
	s.metrics.SetActiveCalls(s.calls.ActiveCount())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	sess := bridge.New(call.ID, conn, s.bridge, bridge.Deps{
		Dial:     s.dial,
		Schedule: s.schedule,
		Tracker:  s.calls,
		Metrics:  s.metrics,
		Logger:   s.logger.With("remote_addr", r.RemoteAddr),
	})
	sess.Run(ctx)
	s.metrics.SetActiveCalls(s.calls.ActiveCount())
	s.logger.Info("media stream closed", "call_id", sess.ID(), "stream_sid", sess.StreamSID())
}
