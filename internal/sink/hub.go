package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/worldland/energy-sensor/internal/domain"
)

// Sender transmits one encoded message to the hub
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Connector is implemented by senders that can establish their connection
// ahead of the first Send
type Connector interface {
	Connect(ctx context.Context) error
}

// Signer authenticates hub payloads
type Signer interface {
	Address() string
	Sign(payload []byte) (string, error)
}

// ProcessAnnotator fills ProcessInfo.Container
type ProcessAnnotator interface {
	Annotate(ctx context.Context, procs []domain.ProcessInfo) []domain.ProcessInfo
}

// HubEnvelope is the wire message. Signature covers the raw payload bytes.
type HubEnvelope struct {
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id"`
	Address   string          `json:"address,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

const measurementMessage = "measurement"

type HubOptions struct {
	Signer    Signer
	Annotator ProcessAnnotator
	// SendTimeout bounds one transmission including reconnects
	SendTimeout time.Duration
	// QueueSize is the number of batches buffered while a send is in flight
	QueueSize int
	Logger    *slog.Logger
}

// HubSink streams batches to the hub from a background goroutine so a slow or
// unreachable hub never delays the polling loop. Batches that do not fit in the
// queue, or fail to send, are logged and dropped; the local sinks stay
// authoritative.
type HubSink struct {
	sender Sender
	nodeID string
	opts   HubOptions
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan domain.MeasurementBatch
	done    chan struct{}
	dropped atomic.Uint64
}

func NewHubSink(sender Sender, nodeID string, opts HubOptions) *HubSink {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &HubSink{
		sender: sender,
		nodeID: nodeID,
		opts:   opts,
		logger: logger.With("component", "hub-sink"),
		queue:  make(chan domain.MeasurementBatch, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *HubSink) Consume(batch domain.MeasurementBatch) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	select {
	case h.queue <- batch:
	default:
		n := h.dropped.Add(1)
		h.logger.Warn("hub queue full, dropping batch", "source", batch.Source, "dropped_total", n)
	}
	return nil
}

// Close sends the queued batches and stops the worker
func (h *HubSink) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	<-h.done
	return nil
}

func (h *HubSink) run() {
	defer close(h.done)
	h.connect()
	for batch := range h.queue {
		h.send(batch)
	}
}

// connect dials the hub off the polling path; batches queue up meanwhile and
// a failed dial is retried by the next Send
func (h *HubSink) connect() {
	c, ok := h.sender.(Connector)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.SendTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		h.logger.Warn("hub unreachable", "err", err)
	}
}

func (h *HubSink) send(batch domain.MeasurementBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.SendTimeout)
	defer cancel()

	msg, err := h.Encode(ctx, batch)
	if err == nil {
		err = h.sender.Send(ctx, msg)
	}
	if err != nil {
		n := h.dropped.Add(1)
		h.logger.Warn("dropping batch", "source", batch.Source, "dropped_total", n, "err", err)
	}
}

// Encode builds the signed envelope for a batch
func (h *HubSink) Encode(ctx context.Context, batch domain.MeasurementBatch) ([]byte, error) {
	if h.opts.Annotator != nil {
		batch = h.annotate(ctx, batch)
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	env := HubEnvelope{
		Type:    measurementMessage,
		NodeID:  h.nodeID,
		Payload: payload,
	}
	if h.opts.Signer != nil {
		sig, err := h.opts.Signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("sign batch: %w", err)
		}
		env.Address = h.opts.Signer.Address()
		env.Signature = sig
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Dropped returns the number of batches that could not be delivered
func (h *HubSink) Dropped() uint64 {
	return h.dropped.Load()
}

// annotate works on a copy; the batch is shared with other sinks
func (h *HubSink) annotate(ctx context.Context, batch domain.MeasurementBatch) domain.MeasurementBatch {
	samples := make([]domain.MetricSample, len(batch.Samples))
	for i, s := range batch.Samples {
		s.ComputeProcesses = h.opts.Annotator.Annotate(ctx, s.ComputeProcesses)
		s.GraphicsProcesses = h.opts.Annotator.Annotate(ctx, s.GraphicsProcesses)
		samples[i] = s
	}
	batch.Samples = samples
	return batch
}
