package app

import (
	"context"
	"log/slog"

	"github.com/antoniostano/callbridge/internal/bridge"
	"github.com/antoniostano/callbridge/internal/config"
	"github.com/antoniostano/callbridge/internal/httpapi"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/protocol"
	"github.com/antoniostano/callbridge/internal/realtime"
	"github.com/antoniostano/callbridge/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Calls    *session.Manager
	Realtime *realtime.Client
	Metrics  *observability.Metrics
}

func Build(cfg config.Config, logger *slog.Logger) *BuildResult {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	calls := session.NewManager(cfg.CallRetention)
	calls.SetEndHook(func(c *session.Call) {
		metrics.ObserveSessionEvent("ended")
		metrics.SetActiveCalls(calls.ActiveCount())
		logger.Debug("call record closed", "call_id", c.ID, "stream_sid", c.StreamSID)
	})

	client := realtime.NewClient(realtime.Config{
		APIKey: cfg.OpenAIAPIKey,
		URL:    cfg.RealtimeURL,
		Model:  cfg.RealtimeModel,
	})

	api := httpapi.New(cfg, calls, httpapi.Options{
		Bridge:   BridgeConfig(cfg),
		Dial:     DialFunc(client),
		Schedule: bridge.AfterFunc,
		Metrics:  metrics,
		Logger:   logger,
	})

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Calls:    calls,
		Realtime: client,
		Metrics:  metrics,
	}
}

// BridgeConfig derives the per-session bridging parameters from cfg.
func BridgeConfig(cfg config.Config) bridge.Config {
	return bridge.Config{
		SessionConfig:        protocol.NewSessionConfig(cfg.Voice, cfg.Instructions, cfg.Temperature),
		SessionUpdateDelay:   cfg.SessionUpdateDelay,
		HandshakeTrigger:     cfg.SessionUpdateTrigger == config.TriggerHandshake,
		PreReadyBufferFrames: cfg.PreReadyBufferFrames,
	}
}

// DialFunc adapts the realtime client to the bridge's dialer.
func DialFunc(client *realtime.Client) bridge.DialFunc {
	return func(ctx context.Context) (bridge.Conn, error) {
		conn, err := client.Dial(ctx)
		if err != nil {
			// A nil *websocket.Conn must not leak as a non-nil interface.
			return nil, err
		}
		return conn, nil
	}
}
