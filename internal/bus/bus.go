// Package bus provides pub/sub messaging between NVR components using
// embedded NATS, plus the ordered shutdown signalling all workers observe.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects for core lifecycle and storage events.
const (
	SubjectCameraStatus  = "camera.%s.status"       // camera id
	SubjectCameraStarted = "camera.%s.started"      // camera id
	SubjectCameraStopped = "camera.%s.stopped"      // camera id
	SubjectRecorderStart = "recorder.%s.start"      // camera id
	SubjectRecorderStop  = "recorder.%s.stop"       // camera id
	SubjectRecorderDone  = "recorder.%s.complete"   // camera id
	SubjectManualStart   = "recorder.%s.manual_start"
	SubjectManualStop    = "recorder.%s.manual_stop"
	SubjectFileCreated   = "storage.file_created"
	SubjectFileDeleted   = "storage.file_deleted"
	SubjectCheckTier     = "storage.check_tier.%s.%d.%s.%s" // camera, tier, category, subcategory
)

// CameraStatus is the payload for camera.<id>.status.
type CameraStatus struct {
	CameraID string `json:"camera_id"`
	Status   string `json:"status"` // connected | disconnected
	Retrying bool   `json:"retrying"`
	Error    string `json:"error,omitempty"`
}

// FileEvent is the payload for storage.file_created / storage.file_deleted.
type FileEvent struct {
	CameraID    string `json:"camera_identifier"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	FileName    string `json:"file_name"`
	Path        string `json:"path"`
}

// ManualStart is the payload for recorder.<id>.manual_start.
type ManualStart struct {
	// Duration in seconds; 0 means open-ended until manual_stop.
	Duration int `json:"duration"`
}

// CameraSubject formats a per-camera subject from one of the Subject
// constants above.
func CameraSubject(format, cameraID string) string {
	return fmt.Sprintf(format, cameraID)
}

// CheckTierSubject formats the ad-hoc tier sweep trigger subject.
func CheckTierSubject(cameraID string, tierID int, category, subcategory string) string {
	return fmt.Sprintf(SubjectCheckTier, cameraID, tierID, category, subcategory)
}

// Bus provides pub/sub messaging over an embedded NATS server.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// Config configures the event bus
type Config struct {
	Host string
	Port int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: 12001}
}

// New creates an embedded NATS server for component communication
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "bus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	logger.Info("Event bus started", "url", ns.ClientURL())

	return b, nil
}

// Conn returns the NATS connection for direct use
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// Publish publishes a JSON-encoded message to a subject
func (b *Bus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// PublishRaw publishes raw bytes to a subject
func (b *Bus) PublishRaw(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe subscribes to a subject. Wildcards follow NATS semantics.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes all subscriptions for a subject
func (b *Bus) Unsubscribe(subject string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if subs, ok := b.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(b.subs, subject)
	}
}

// Flush waits until all published messages have been processed by the server.
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// Stop shuts down the event bus
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}
