// Package trigger arms and disarms protection from an RFID tag feed
// delivered over MQTT. The reader publishes a tag UID whenever a tag is
// presented; presenting a known tag again removes it. Protection is armed
// while at least one tag is registered and disarmed when the last one
// leaves.
package trigger

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/guardcam/protection-server/internal/logger"
	"github.com/guardcam/protection-server/internal/protect"
)

// Armer is the slice of the protection engine the trigger drives.
type Armer interface {
	Arm(now time.Time) (protect.ArmResult, error)
	Disarm()
	Armed() bool
}

// Config holds the MQTT trigger settings.
type Config struct {
	// BrokerURL like "tcp://192.168.1.10:1883". Empty disables the trigger.
	BrokerURL string
	Topic     string
	ClientID  string
	// ReassertInterval is how often the trigger re-arms protection if it
	// dropped while tags are still registered.
	ReassertInterval time.Duration
}

// DefaultConfig returns the trigger defaults, matching the reader firmware's
// topic.
func DefaultConfig() Config {
	return Config{
		Topic:            "esp/messages",
		ClientID:         "protection-server",
		ReassertInterval: 5 * time.Second,
	}
}

// presence tracks which tag UIDs are currently registered. Presenting a tag
// toggles its registration.
type presence struct {
	mu   sync.Mutex
	tags map[string]bool
}

func newPresence() *presence {
	return &presence{tags: make(map[string]bool)}
}

// toggle flips a tag's registration and returns whether it is now present
// and how many tags remain.
func (p *presence) toggle(uid string) (present bool, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tags[uid] {
		delete(p.tags, uid)
	} else {
		p.tags[uid] = true
	}
	return p.tags[uid], len(p.tags)
}

func (p *presence) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tags)
}

// Trigger bridges the MQTT tag feed to the protection engine.
type Trigger struct {
	cfg      Config
	armer    Armer
	presence *presence
	client   mqtt.Client
}

// New returns an unconnected trigger.
func New(cfg Config, armer Armer) *Trigger {
	d := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = d.Topic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = d.ClientID
	}
	if cfg.ReassertInterval <= 0 {
		cfg.ReassertInterval = d.ReassertInterval
	}
	return &Trigger{cfg: cfg, armer: armer, presence: newPresence()}
}

// handleTag processes one tag read. Exposed to the MQTT callback and to
// tests; a failed arm leaves the tag registered so the periodic re-assert
// can retry once objects are in view.
func (t *Trigger) handleTag(uid string) {
	if uid == "" {
		return
	}
	present, count := t.presence.toggle(uid)

	switch {
	case present && count == 1:
		logger.Info("Trigger", "Tag %s registered, activating protection", uid)
		if res, err := t.armer.Arm(time.Now()); err != nil {
			logger.Warn("Trigger", "Activation failed: %v", err)
		} else {
			logger.Info("Trigger", "Protection active, monitoring %d objects", res.ObjectCount)
		}
	case present:
		logger.Info("Trigger", "Tag %s registered (%d total)", uid, count)
	case count == 0:
		logger.Info("Trigger", "Last tag %s removed, deactivating protection", uid)
		t.armer.Disarm()
	default:
		logger.Info("Trigger", "Tag %s removed (%d remaining)", uid, count)
	}
}

// reassert re-arms protection if it dropped while tags are registered,
// mirroring the periodic status check the original reader loop performed.
func (t *Trigger) reassert() {
	if t.presence.count() == 0 || t.armer.Armed() {
		return
	}
	logger.Warn("Trigger", "Protection inactive with tags registered, re-arming")
	if _, err := t.armer.Arm(time.Now()); err != nil {
		logger.Warn("Trigger", "Re-arm failed: %v", err)
	}
}

// Run connects to the broker and serves tag reads until ctx is cancelled.
// Broker outages are retried by the client; they never take the engine
// down.
func (t *Trigger) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetClientID(t.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("Trigger", "Connected to MQTT broker %s", t.cfg.BrokerURL)
			token := c.Subscribe(t.cfg.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
				t.handleTag(string(msg.Payload()))
			})
			if token.Wait() && token.Error() != nil {
				logger.Error("Trigger", "Subscribe to %s failed: %v", t.cfg.Topic, token.Error())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("Trigger", "MQTT connection lost: %v", err)
		})

	t.client = mqtt.NewClient(opts)
	if token := t.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	ticker := time.NewTicker(t.cfg.ReassertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.client.Disconnect(250)
			logger.Info("Trigger", "MQTT trigger stopped")
			return nil
		case <-ticker.C:
			t.reassert()
		}
	}
}
