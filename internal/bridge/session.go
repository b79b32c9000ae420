// Package bridge relays one phone call between the telephony media stream and
// the realtime speech session.
//
// Each Session owns two legs. The telephony leg is accepted by the HTTP
// server; the AI leg is dialed as soon as the session starts. Inbound events
// of each leg are handled by one goroutine, in order, and translated into the
// other leg's vocabulary. Teardown is asymmetric: losing the telephony leg
// closes the AI leg, losing the AI leg leaves the call up in silence.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/callbridge/internal/audio"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/policy"
	"github.com/antoniostano/callbridge/internal/protocol"
	"github.com/antoniostano/callbridge/internal/reliability"
	"github.com/antoniostano/callbridge/internal/session"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
	maxLoggedPayload    = 512
)

// Config holds the per-process bridging parameters shared by every session.
type Config struct {
	SessionConfig      protocol.SessionConfig
	SessionUpdateDelay time.Duration
	// HandshakeTrigger also sends session.update on session.created; the
	// delay timer stays armed as a fallback.
	HandshakeTrigger bool
	// PreReadyBufferFrames > 0 keeps that many caller frames until the AI leg
	// is configured instead of dropping them.
	PreReadyBufferFrames int
	QueueSize            int
	WriteTimeout         time.Duration
}

// Tracker receives lifecycle updates for the call registry.
type Tracker interface {
	SetStream(id, streamSID, callSID string) error
	SetLegState(id string, leg session.Leg, state session.LegState) error
	MarkConfigured(id string) error
	End(id string) (*session.Call, error)
}

type Deps struct {
	Dial     DialFunc
	Schedule Scheduler
	Tracker  Tracker
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

type Session struct {
	id         string
	cfg        Config
	dial       DialFunc
	schedule   Scheduler
	tracker    Tracker
	metrics    *observability.Metrics
	logger     *slog.Logger
	telephony  *leg
	acceptedAt time.Time
	configured atomic.Bool

	mu              sync.Mutex
	ai              *leg
	aiOpenedAt      time.Time
	stopTimer       func() bool
	telephonyClosed bool
	aiClosed        bool
	streamSID       string
	callSID         string
	streamStartedAt time.Time
	firstAudioSent  bool
	pending         []string
}

func New(id string, telephony Conn, cfg Config, deps Deps) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if deps.Schedule == nil {
		deps.Schedule = AfterFunc
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("call_id", id)

	return &Session{
		id:         id,
		cfg:        cfg,
		dial:       deps.Dial,
		schedule:   deps.Schedule,
		tracker:    deps.Tracker,
		metrics:    deps.Metrics,
		logger:     logger,
		telephony:  newLeg(session.LegTelephony, telephony, cfg.QueueSize, cfg.WriteTimeout, deps.Metrics, logger),
		acceptedAt: time.Now(),
	}
}

func (s *Session) ID() string { return s.id }

// StreamSID returns the telephony stream identifier, empty until the start
// event arrived.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// Configured reports whether session.update was sent to the AI leg.
func (s *Session) Configured() bool { return s.configured.Load() }

// Run bridges the call until the telephony leg closes and the AI leg has
// wound down. Cancelling ctx closes both legs.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.telephony.close() })
	defer stop()

	s.metrics.ObserveSessionEvent("accepted")
	s.logger.Info("client connected")

	go s.telephony.writeLoop()

	aiDone := make(chan struct{})
	go func() {
		defer close(aiDone)
		s.runAI(ctx)
	}()

	err := s.readTelephony()
	s.onTelephonyClosed(err)
	cancel()
	<-aiDone
	s.terminate()
}

func (s *Session) readTelephony() error {
	for {
		_, data, err := s.telephony.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleTelephonyMessage(data)
	}
}

func (s *Session) handleTelephonyMessage(data []byte) {
	msg, err := protocol.ParseTelephonyMessage(data)
	if err != nil {
		s.metrics.ObserveMessage(string(session.LegTelephony), "inbound", "malformed")
		s.logger.Warn("error parsing telephony message", "error", err, "message", policy.ForLog(data, maxLoggedPayload))
		return
	}

	switch ev := msg.(type) {
	case protocol.StartEvent:
		s.metrics.ObserveMessage(string(session.LegTelephony), "inbound", string(protocol.TelephonyStart))
		s.handleStart(ev)
	case protocol.MediaEvent:
		s.metrics.ObserveMessage(string(session.LegTelephony), "inbound", string(protocol.TelephonyMedia))
		s.handleMedia(ev)
	case protocol.StopEvent:
		s.metrics.ObserveMessage(string(session.LegTelephony), "inbound", string(protocol.TelephonyStop))
		s.logger.Info("received non-media event", "event", protocol.TelephonyStop, "call_sid", ev.CallSID)
	case protocol.OtherEvent:
		s.metrics.ObserveMessage(string(session.LegTelephony), "inbound", "other")
		s.logger.Info("received non-media event", "event", ev.Event)
	}
}

func (s *Session) handleStart(ev protocol.StartEvent) {
	s.mu.Lock()
	if s.streamSID != "" {
		current := s.streamSID
		s.mu.Unlock()
		s.logger.Warn("ignoring repeated start event", "stream_sid", current, "repeated_stream_sid", ev.StreamSID)
		return
	}
	s.streamSID = ev.StreamSID
	s.callSID = ev.CallSID
	s.streamStartedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("incoming stream has started", "stream_sid", ev.StreamSID, "call_sid", ev.CallSID)
	if s.tracker != nil {
		_ = s.tracker.SetStream(s.id, ev.StreamSID, ev.CallSID)
	}
}

func (s *Session) handleMedia(ev protocol.MediaEvent) {
	s.observeLevel(session.LegTelephony, ev.Payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	ai := s.ai
	buffering := s.cfg.PreReadyBufferFrames > 0
	switch {
	case buffering && !s.aiClosed && (ai == nil || !s.configured.Load()):
		s.bufferLocked(ev.Payload)
	case !ai.isOpen():
		s.metrics.ObserveDrop(string(session.LegAI), "not_ready")
	default:
		ai.send(string(protocol.RealtimeInputAudioAppend), protocol.NewInputAudioAppend(ev.Payload))
	}
}

func (s *Session) bufferLocked(payload string) {
	if len(s.pending) >= s.cfg.PreReadyBufferFrames {
		s.pending = s.pending[1:]
		s.metrics.ObserveDrop(string(session.LegAI), "buffer_overflow")
	}
	s.pending = append(s.pending, payload)
}

func (s *Session) onTelephonyClosed(err error) {
	s.telephony.close()
	kind := reliability.CloseKind(err)
	s.metrics.ObserveLegClose(string(session.LegTelephony), kind)

	s.mu.Lock()
	s.telephonyClosed = true
	ai := s.ai
	s.pending = nil
	s.mu.Unlock()

	if s.tracker != nil {
		_ = s.tracker.SetLegState(s.id, session.LegTelephony, session.LegClosed)
	}
	if reliability.IsExpectedClose(err) {
		s.logger.Info("client disconnected", "close", kind)
	} else {
		s.logger.Warn("client disconnected", "close", kind, "error", err)
	}

	if ai.isOpen() {
		s.logger.Info("closing realtime leg after telephony close")
		ai.close()
	}
}

func (s *Session) runAI(ctx context.Context) {
	if s.dial == nil {
		s.logger.Error("no realtime dialer configured")
		s.markAIClosed(reliability.CloseLocal)
		return
	}
	conn, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Info("realtime dial abandoned", "error", err)
		} else {
			var r interface{ Retryable() bool }
			retryable := errors.As(err, &r) && r.Retryable()
			s.logger.Error("error connecting to the realtime API", "error", err, "retryable", retryable)
			s.metrics.ObserveProviderError("realtime", "dial")
		}
		s.markAIClosed(reliability.CloseTransport)
		return
	}

	s.mu.Lock()
	if s.telephonyClosed {
		s.mu.Unlock()
		_ = conn.Close()
		s.markAIClosed(reliability.CloseLocal)
		return
	}
	ai := newLeg(session.LegAI, conn, s.cfg.QueueSize, s.cfg.WriteTimeout, s.metrics, s.logger)
	s.ai = ai
	s.aiOpenedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("connected to the realtime API")
	s.metrics.ObserveStage(observability.StageAcceptToAIOpen, time.Since(s.acceptedAt))
	if s.tracker != nil {
		_ = s.tracker.SetLegState(s.id, session.LegAI, session.LegOpen)
	}

	s.armSessionUpdateTimer()

	go ai.writeLoop()
	err = s.readAI(ai)
	s.onAIClosed(ai, err)
}

func (s *Session) readAI(ai *leg) error {
	for {
		_, data, err := ai.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleRealtimeMessage(data)
	}
}

func (s *Session) handleRealtimeMessage(data []byte) {
	msg, err := protocol.ParseRealtimeEvent(data)
	if err != nil {
		s.metrics.ObserveMessage(string(session.LegAI), "inbound", "malformed")
		s.logger.Warn("error processing realtime message", "error", err, "message", policy.ForLog(data, maxLoggedPayload))
		return
	}

	switch ev := msg.(type) {
	case protocol.AudioDelta:
		s.metrics.ObserveMessage(string(session.LegAI), "inbound", string(protocol.RealtimeAudioDelta))
		s.handleAudioDelta(ev)
	case protocol.DiagnosticEvent:
		s.metrics.ObserveMessage(string(session.LegAI), "inbound", string(ev.Type))
		s.logger.Info("received event", "type", ev.Type, "event", string(ev.Raw))
		if ev.Type == protocol.RealtimeSessionCreated && s.cfg.HandshakeTrigger {
			s.sendSessionUpdate("handshake")
		}
	case protocol.ErrorEvent:
		s.metrics.ObserveMessage(string(session.LegAI), "inbound", string(protocol.RealtimeError))
		code := ev.Error.Code
		if code == "" {
			code = ev.Error.Type
		}
		s.metrics.ObserveProviderError("realtime", code)
		s.logger.Error("received event",
			"type", protocol.RealtimeError,
			"code", ev.Error.Code,
			"message", ev.Error.Message,
			"retryable", reliability.IsRetryableRealtimeError(ev.Error.Type, ev.Error.Code),
			"event", string(ev.Raw),
		)
	case protocol.SessionUpdated:
		s.metrics.ObserveMessage(string(session.LegAI), "inbound", string(protocol.RealtimeSessionUpdated))
		s.logger.Info("session updated successfully", "event", string(ev.Raw))
	case protocol.UnknownEvent:
		s.metrics.ObserveMessage(string(session.LegAI), "inbound", "other")
		s.logger.Debug("ignoring realtime event", "type", ev.Type)
	}
}

func (s *Session) handleAudioDelta(ev protocol.AudioDelta) {
	if ev.Delta == "" {
		return
	}

	s.mu.Lock()
	sid := s.streamSID
	first := sid != "" && !s.firstAudioSent
	if first {
		s.firstAudioSent = true
	}
	startedAt := s.streamStartedAt
	s.mu.Unlock()

	if sid == "" {
		s.metrics.ObserveDrop(string(session.LegTelephony), "no_stream_sid")
		return
	}
	if s.telephony.send(string(protocol.TelephonyMedia), protocol.NewOutboundMedia(sid, ev.Delta)) && first {
		s.metrics.ObserveStage(observability.StageStartToFirstAudio, time.Since(startedAt))
	}
	s.observeLevel(session.LegAI, ev.Delta)
}

// armSessionUpdateTimer schedules the delay trigger. A failed send re-arms it
// so the session is still configured once the AI queue drains.
func (s *Session) armSessionUpdateTimer() {
	stopTimer := s.schedule(s.cfg.SessionUpdateDelay, func() {
		if s.sendSessionUpdate("delay") {
			s.armSessionUpdateTimer()
		}
	})
	s.mu.Lock()
	s.stopTimer = stopTimer
	s.mu.Unlock()
}

// sendSessionUpdate sends the fixed session configuration at most once per
// session, whichever trigger fires first. It reports whether the update could
// not be queued on a still open AI leg.
func (s *Session) sendSessionUpdate(trigger string) (retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ai := s.ai
	if !ai.isOpen() || s.aiClosed || s.configured.Load() {
		return false
	}
	if !ai.send(string(protocol.RealtimeSessionUpdate), protocol.NewSessionUpdate(s.cfg.SessionConfig)) {
		s.logger.Error("session update could not be queued", "trigger", trigger)
		return ai.isOpen()
	}
	s.configured.Store(true)
	s.logger.Info("sending session update",
		"trigger", trigger,
		"voice", s.cfg.SessionConfig.Voice,
		"temperature", s.cfg.SessionConfig.Temperature,
	)
	s.metrics.ObserveSessionUpdateLatency(time.Since(s.aiOpenedAt))
	if s.tracker != nil {
		_ = s.tracker.MarkConfigured(s.id)
	}

	for _, payload := range s.pending {
		ai.send(string(protocol.RealtimeInputAudioAppend), protocol.NewInputAudioAppend(payload))
	}
	s.pending = nil
	return false
}

func (s *Session) onAIClosed(ai *leg, err error) {
	ai.close()

	s.mu.Lock()
	stopTimer := s.stopTimer
	s.pending = nil
	s.mu.Unlock()
	if stopTimer != nil {
		stopTimer()
	}

	kind := reliability.CloseKind(err)
	if reliability.IsExpectedClose(err) {
		s.logger.Info("disconnected from the realtime API", "close", kind)
	} else {
		s.logger.Warn("disconnected from the realtime API", "close", kind, "error", err)
	}
	// The telephony leg stays up: the caller keeps the line, in silence.
	s.markAIClosed(kind)
}

func (s *Session) markAIClosed(kind string) {
	s.mu.Lock()
	s.aiClosed = true
	s.mu.Unlock()

	s.metrics.ObserveLegClose(string(session.LegAI), kind)
	if s.tracker != nil {
		_ = s.tracker.SetLegState(s.id, session.LegAI, session.LegClosed)
	}
}

func (s *Session) terminate() {
	s.metrics.ObserveSessionEvent("terminated")
	s.metrics.ObserveStage(observability.StageCallDuration, time.Since(s.acceptedAt))
	if s.tracker != nil {
		_, _ = s.tracker.End(s.id)
	}
	s.mu.Lock()
	streamSID, callSID := s.streamSID, s.callSID
	s.mu.Unlock()
	s.logger.Info("call terminated",
		"stream_sid", streamSID,
		"call_sid", callSID,
		"duration", time.Since(s.acceptedAt).Round(time.Millisecond),
	)
}

func (s *Session) observeLevel(leg session.Leg, payload string) {
	if s.metrics == nil {
		return
	}
	db, err := audio.PeakDBFS(payload)
	if err != nil {
		return
	}
	s.metrics.ObserveAudioLevel(string(leg), db)
}
