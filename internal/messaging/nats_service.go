package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/events"
)

// NATSService broadcasts finished transcriptions for downstream consumers
// (automation hooks, text expanders, activity logs)
type NATSService struct {
	conn    *nats.Conn
	url     string
	subject string

	maxReconnects int
	reconnectWait time.Duration
}

// Default NATS subject for transcription events
const SubjectTranscriptions = "loqa.dictate.transcriptions"

// Options configures the NATS service
type Options struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NewNATSService creates a new NATS service instance
func NewNATSService(opts Options) *NATSService {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Subject == "" {
		opts.Subject = SubjectTranscriptions
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	return &NATSService{
		url:           opts.URL,
		subject:       opts.Subject,
		maxReconnects: opts.MaxReconnects,
		reconnectWait: opts.ReconnectWait,
	}
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect() error {
	log.Printf("🔌 Connecting to NATS at %s", ns.url)

	// Connection options with retry logic
	opts := []nats.Option{
		nats.Name("loqa-dictate"),
		nats.ReconnectWait(ns.reconnectWait),
		nats.MaxReconnects(ns.maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️  NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("🔄 NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Println("🔌 NATS connection closed")
		}),
	}

	conn, err := nats.Connect(ns.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	log.Printf("✅ Connected to NATS server at %s", conn.ConnectedUrl())
	return nil
}

// PublishTranscription publishes a completed transcription event
func (ns *NATSService) PublishTranscription(event *events.TranscriptionEvent) error {
	if ns.conn == nil {
		return fmt.Errorf("NATS connection not established")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transcription event: %w", err)
	}

	if err := ns.conn.Publish(ns.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", ns.subject, err)
	}

	log.Printf("📤 Published transcription to NATS - UUID: %s, Model: %s",
		event.UUID, event.ModelSize)
	return nil
}

// SubscribeToTranscriptions subscribes to transcription events
func (ns *NATSService) SubscribeToTranscriptions(handler func(*events.TranscriptionEvent)) (*nats.Subscription, error) {
	if ns.conn == nil {
		return nil, fmt.Errorf("NATS connection not established")
	}

	return ns.conn.Subscribe(ns.subject, func(msg *nats.Msg) {
		var event events.TranscriptionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("❌ Error unmarshaling transcription event: %v", err)
			return
		}

		log.Printf("📥 Received transcription from NATS - UUID: %s", event.UUID)
		handler(&event)
	})
}

// Close closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn != nil {
		ns.conn.Close()
		log.Println("🔌 NATS connection closed")
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	if ns.conn != nil {
		return ns.conn.Stats()
	}
	return nats.Statistics{}
}
