package nats

import (
	"errors"
	"time"

	"github.com/PRSENTINEL/internal/logger"
	"github.com/nats-io/nats.go"
)

// StreamManager manages JetStream streams for the application
type StreamManager struct {
	js  nats.JetStreamContext
	log *logger.Logger
}

// NewStreamManager creates a new StreamManager with JetStream context
func NewStreamManager(nc *nats.Conn, log *logger.Logger) (*StreamManager, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &StreamManager{
		js:  js,
		log: logger.OrNop(log).With("component", "nats-streams"),
	}, nil
}

// StreamConfigs returns the streams the engine retains events in
func StreamConfigs() []nats.StreamConfig {
	return []nats.StreamConfig{
		{
			Name:        StreamReviews,
			Description: "Review status, trace steps and conflicts",
			Subjects:    []string{SubjectAllReviews},
			Storage:     nats.FileStorage,
			MaxAge:      7 * 24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        StreamKnowledge,
			Description: "Knowledge source sync outcomes",
			Subjects:    []string{SubjectAllKnowledge},
			Storage:     nats.FileStorage,
			MaxAge:      24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
	}
}

// SetupStreams creates or updates all required JetStream streams
func (sm *StreamManager) SetupStreams() error {
	for _, cfg := range StreamConfigs() {
		if err := sm.createOrUpdateStream(cfg); err != nil {
			return err
		}
	}
	sm.log.Info("streams configured")
	return nil
}

// createOrUpdateStream creates a new stream or updates an existing one
func (sm *StreamManager) createOrUpdateStream(cfg nats.StreamConfig) error {
	info, err := sm.js.StreamInfo(cfg.Name)
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, err := sm.js.AddStream(&cfg); err != nil {
				sm.log.Error("creating stream failed", "stream", cfg.Name, "error", err)
				return err
			}
			sm.log.Info("stream created", "stream", cfg.Name, "subjects", cfg.Subjects)
			return nil
		}
		sm.log.Error("stream info failed", "stream", cfg.Name, "error", err)
		return err
	}

	if _, err := sm.js.UpdateStream(&cfg); err != nil {
		sm.log.Error("updating stream failed", "stream", cfg.Name, "error", err)
		return err
	}
	sm.log.Debug("stream updated", "stream", cfg.Name, "messages", info.State.Msgs)
	return nil
}
