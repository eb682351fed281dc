package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher publishes call events to NATS JetStream, durable enough
// for the billing and CDR consumers downstream to replay on restart.
type NATSPublisher struct {
	js         jetstream.JetStream
	conn       *nats.Conn
	streamName string
	logger     *slog.Logger

	asyncCh  chan Event
	asyncWg  sync.WaitGroup
	closedMu sync.RWMutex
	closed   bool

	mu           sync.Mutex
	publishCount int64
	errorCount   int64
	asyncDropped int64
}

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	AsyncBufferSize int
	ConnectTimeout  time.Duration
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	TLSCertFile     string
	TLSKeyFile      string
	TLSCAFile       string
	NKeyFile        string
	CredsFile       string
	Token           string
	User            string
	Password        string
}

// DefaultNATSConfig returns sensible defaults for VoIP workloads.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             "nats://localhost:4222",
		StreamName:      "CARELINE_CALLS",
		SubjectPrefix:   "careline",
		AsyncBufferSize: 10000,
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// NewNATSPublisher connects to NATS, ensures the call-event stream exists,
// and starts the async publish loop.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("careline-bridge-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err)
		}),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	} else if cfg.NKeyFile != "" {
		opt, err := nats.NkeyOptionFromSeed(cfg.NKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load NKey: %w", err)
		}
		opts = append(opts, opt)
	} else if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	} else if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	if cfg.TLSCertFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLSCertFile, cfg.TLSKeyFile))
	}
	if cfg.TLSCAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLSCAFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = "careline"
	}

	streamCfg := jetstream.StreamConfig{
		Name:            cfg.StreamName,
		Subjects:        []string{subjectPrefix + ".calls.>", subjectPrefix + ".alerts.>"},
		Retention:       jetstream.LimitsPolicy,
		MaxAge:          7 * 24 * time.Hour,
		Storage:         jetstream.FileStorage,
		Replicas:        1,
		DuplicateWindow: 5 * time.Minute,
	}

	if _, err := js.CreateOrUpdateStream(ctx, streamCfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	bufSize := cfg.AsyncBufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}

	p := &NATSPublisher{
		js:         js,
		conn:       conn,
		streamName: cfg.StreamName,
		logger:     logger,
		asyncCh:    make(chan Event, bufSize),
	}

	p.asyncWg.Add(1)
	go p.asyncPublisher()

	logger.Info("NATS publisher initialized", "url", cfg.URL, "stream", cfg.StreamName)

	return p, nil
}

func (p *NATSPublisher) asyncPublisher() {
	defer p.asyncWg.Done()
	for event := range p.asyncCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Publish(ctx, event); err != nil {
			p.logger.Warn("async publish failed", "error", err, "type", event.Type(), "call_id", event.CallID())
		}
		cancel()
	}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := event.Subject()

	msgID := ""
	if be, ok := event.(interface{ ID() string }); ok {
		msgID = be.ID()
	}

	opts := []jetstream.PublishOpt{}
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	ack, err := p.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		p.mu.Lock()
		p.errorCount++
		p.mu.Unlock()
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.mu.Lock()
	p.publishCount++
	p.mu.Unlock()

	p.logger.Debug("event published", "subject", subject, "stream", ack.Stream, "seq", ack.Sequence)

	return nil
}

// PublishAsync implements Publisher.
func (p *NATSPublisher) PublishAsync(event Event) {
	p.closedMu.RLock()
	if p.closed {
		p.closedMu.RUnlock()
		return
	}
	p.closedMu.RUnlock()

	select {
	case p.asyncCh <- event:
	default:
		p.mu.Lock()
		p.asyncDropped++
		p.mu.Unlock()
		p.logger.Warn("async publish buffer full, event dropped", "type", event.Type(), "call_id", event.CallID())
	}
}

// Flush implements Publisher.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()
		return nil
	}
	p.closed = true
	p.closedMu.Unlock()
	close(p.asyncCh)
	p.asyncWg.Wait()

	return p.conn.FlushWithContext(ctx)
}

// Close implements Publisher.
func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("flush failed during close", "error", err)
	}

	p.conn.Close()
	return nil
}

// Subscribe implements Subscriber: it creates an ephemeral, explicitly
// acked JetStream consumer filtered to pattern (a literal subject, wildcards
// included — e.g. "careline.calls.*.answered") and decodes each delivered
// message back into its concrete Event type via UnmarshalEvent. Malformed
// payloads are Nak'd rather than crashing the consume loop; the Call
// Orchestrator's ConsumeAnsweredEvents is the first caller of this.
func (p *NATSPublisher) Subscribe(ctx context.Context, pattern string) (<-chan Event, error) {
	consumer, err := p.js.CreateOrUpdateConsumer(ctx, p.streamName, jetstream.ConsumerConfig{
		FilterSubject: pattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", pattern, err)
	}

	out := make(chan Event, 64)
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		ev, err := UnmarshalEvent(msg.Data())
		if err != nil {
			p.logger.Warn("failed to decode event, nak", "error", err, "subject", msg.Subject())
			msg.Nak()
			return
		}
		select {
		case out <- ev:
			msg.Ack()
		default:
			p.logger.Warn("subscriber buffer full, nak for redelivery", "subject", msg.Subject())
			msg.Nak()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", pattern, err)
	}

	go func() {
		<-ctx.Done()
		consumeCtx.Stop()
		close(out)
	}()

	return out, nil
}

// Stats reports publish counters for health/admin reporting.
func (p *NATSPublisher) Stats() (published, errors, asyncDropped int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishCount, p.errorCount, p.asyncDropped
}
