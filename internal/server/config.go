package server

import (
	"time"

	"github.com/guardcam/protection-server/internal/broadcast"
	"github.com/guardcam/protection-server/internal/monitor"
	"github.com/guardcam/protection-server/internal/protect"
)

// Config defines the runtime configuration for the protection server.
type Config struct {
	Addr string

	// EvaluationRate is the startup cadence of the evaluation loop in
	// frames/second; adjustable at runtime through the control surface.
	EvaluationRate int

	// Engine tunables.
	MovementThreshold float64
	MissingDebounce   int
	MovementEpsilon   float64
	HistoryCapacity   int

	// Fan-out queue sizes.
	FrameQueueSize int
	AlertQueueSize int

	// ArchivePath is the SQLite alert archive; empty disables persistence.
	ArchivePath    string
	ArchiveMaxRows int

	// MQTT RFID trigger; empty broker disables it.
	MQTTBroker string
	MQTTTopic  string

	// WriteTimeout bounds a single websocket write; a subscriber that
	// exceeds it is treated as disconnected.
	WriteTimeout time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	engine := protect.DefaultConfig()
	return Config{
		Addr:              ":8080",
		EvaluationRate:    monitor.DefaultRate,
		MovementThreshold: engine.MovementThreshold,
		MissingDebounce:   engine.MissingDebounce,
		MovementEpsilon:   engine.MovementEpsilon,
		HistoryCapacity:   engine.HistoryCapacity,
		FrameQueueSize:    broadcast.DefaultFrameQueue,
		AlertQueueSize:    broadcast.DefaultAlertQueue,
		ArchivePath:       "./alerts.db",
		ArchiveMaxRows:    1000,
		MQTTTopic:         "esp/messages",
		WriteTimeout:      5 * time.Second,
	}
}

// EngineConfig converts the server config into engine tunables.
func (c Config) EngineConfig() protect.Config {
	return protect.Config{
		MovementThreshold: c.MovementThreshold,
		MissingDebounce:   c.MissingDebounce,
		MovementEpsilon:   c.MovementEpsilon,
		HistoryCapacity:   c.HistoryCapacity,
	}
}
