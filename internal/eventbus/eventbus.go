package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus is the message-passing fabric components use instead of sharing
// mutable state: the syncer publishes commit/abort notifications, the
// sample directory manager publishes degraded/repaired signals, and the
// retention engine publishes eviction notices, all over an embedded NATS
// server.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.RWMutex
	subs   map[string][]*nats.Subscription
}

// Config configures the embedded NATS server backing a Bus.
type Config struct {
	// Host for the NATS server (default 127.0.0.1)
	Host string
	// Port for the NATS server (default DefaultNATSPort)
	Port int
	// StoreDir enables JetStream persistence when non-empty.
	StoreDir string
	// PortManager resolves a free port if Port is taken.
	PortManager *PortManager
}

func DefaultConfig() Config {
	return Config{
		Host:        "127.0.0.1",
		Port:        DefaultNATSPort,
		PortManager: GetPortManager(),
	}
}

// New starts an embedded NATS server and connects a client to it.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}

	pm := cfg.PortManager
	if pm == nil {
		pm = GetPortManager()
	}

	actualPort, err := pm.ReserveOrFind(cfg.Port, "nats")
	if err != nil {
		return nil, fmt.Errorf("allocate nats port: %w", err)
	}
	if actualPort != cfg.Port {
		logger.Info("nats port conflict, using alternative", "preferred", cfg.Port, "actual", actualPort)
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   actualPort,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.StoreDir != "" {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		pm.Release(actualPort)
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		pm.Release(actualPort)
		return nil, fmt.Errorf("nats server not ready after 2s (port %d)", actualPort)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}
	b.logger.Info("event bus started", "url", ns.ClientURL())
	return b, nil
}

func (b *Bus) Conn() *nats.Conn    { return b.conn }
func (b *Bus) ClientURL() string   { return b.server.ClientURL() }

// Publish marshals data as JSON and publishes it on subject.
func (b *Bus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe registers handler for every message on subject.
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

// SubscribeTyped unmarshals each message into T before
// invoking handler; decode failures are logged and dropped rather than
// delivered, since a malformed internal event indicates a bug, not a
// condition a subscriber should need to defend against.
func SubscribeTyped[T any](b *Bus, subject string, handler func(T)) (*nats.Subscription, error) {
	return b.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			b.logger.Error("malformed event payload", "subject", subject, "error", err)
			return
		}
		handler(v)
	})
}

func (b *Bus) Unsubscribe(subject string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, sub := range b.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(b.subs, subject)
}

// Stop drains the client connection and shuts the embedded server down.
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("event bus stopped")
}

func (b *Bus) WaitForShutdown() { b.server.WaitForShutdown() }

// Subjects used by this engine's components.
const (
	SubjectSyncerCommitted    = "syncer.committed"
	SubjectSyncerAborted      = "syncer.aborted"
	SubjectDirDegraded        = "sampledir.degraded"
	SubjectDirRepaired        = "sampledir.repaired"
	SubjectRetentionEvicted   = "retention.evicted"
	SubjectStreamStateChanged = "streamer.state_changed"
	SubjectConfigChanged      = "config.changed"
	SubjectSystemShutdown     = "system.shutdown"
)

// CommitEvent is published by the syncer after a batch durably commits.
type CommitEvent struct {
	DirID        int32     `json:"dir_id"`
	StreamID     int32     `json:"stream_id"`
	RecordingIDs []int64   `json:"recording_ids"`
	Timestamp    time.Time `json:"timestamp"`
}

// DirDegradedEvent is published when a sample file directory hits an I/O
// error severe enough to stop accepting writes until an admin repair runs.
type DirDegradedEvent struct {
	DirID     int32     `json:"dir_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RetentionEvictedEvent is published after the retention engine completes
// a mark/unlink/purge pass for a stream.
type RetentionEvictedEvent struct {
	StreamID     int32     `json:"stream_id"`
	BytesFreed   int64     `json:"bytes_freed"`
	RecordingIDs []int64   `json:"recording_ids"`
	Timestamp    time.Time `json:"timestamp"`
}

// StreamStateChangedEvent is published whenever a streamer's state machine
// transitions, for the admin UI's live status view.
type StreamStateChangedEvent struct {
	StreamID  int32     `json:"stream_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *Bus) PublishCommit(ev CommitEvent) error { return b.Publish(SubjectSyncerCommitted, ev) }

func (b *Bus) PublishDirDegraded(ev DirDegradedEvent) error {
	return b.Publish(SubjectDirDegraded, ev)
}

func (b *Bus) PublishRetentionEvicted(ev RetentionEvictedEvent) error {
	return b.Publish(SubjectRetentionEvicted, ev)
}

func (b *Bus) PublishStreamState(ev StreamStateChangedEvent) error {
	return b.Publish(SubjectStreamStateChanged, ev)
}

// HealthCheck verifies the client connection is live.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats connection not active")
	}
	_, err := b.conn.Request("_health", []byte("ping"), 2*time.Second)
	if err == nats.ErrNoResponders {
		return nil
	}
	return err
}
