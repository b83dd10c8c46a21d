// Package stream converts internal stream events into ordered, line-delimited
// wire frames with liveness guarantees.
//
// The framer accumulates marshaled frames in memory and flushes to the
// transport when either the batch size or the flush interval is reached,
// amortizing transport writes under high token-rate generation. Heartbeats
// are injected only into temporal gaps — never between buffered substantive
// events — so wire ordering always matches emit ordering.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
)

// maxPendingFrames is the hard upper limit on buffered frames. When a slow
// consumer lets the buffer reach it, further frames are dropped and counted
// rather than blocking the producer pump.
const maxPendingFrames = 4096

// Transport is the outbound byte sink for framed events. WriteFrame is
// called once per frame (the frame includes its trailing newline); Flush
// pushes buffered bytes to the client.
type Transport interface {
	WriteFrame(p []byte) error
	Flush()
}

// Config holds the framer's buffering and liveness policy.
type Config struct {
	// MaxBatch flushes the buffer when it reaches this many frames.
	MaxBatch int
	// FlushInterval flushes any buffered frames at least this often.
	FlushInterval time.Duration
	// HeartbeatInterval injects a heartbeat when no flush has occurred for
	// this long.
	HeartbeatInterval time.Duration
}

// DefaultConfig matches the documented defaults: batch 10, flush 100ms,
// heartbeat 15s.
func DefaultConfig() Config {
	return Config{
		MaxBatch:          10,
		FlushInterval:     100 * time.Millisecond,
		HeartbeatInterval: 15 * time.Second,
	}
}

// frame is the wire shape: a type tag, a timestamp, and the event payload
// flattened alongside.
type frame struct {
	Type model.StreamEventType `json:"type"`
	TS   time.Time             `json:"ts"`
}

// Framer owns one turn's outbound stream. Emit is safe to call from the
// orchestrator goroutine while the flush loop runs; after the terminal
// event is accepted, further emits are silent no-ops.
type Framer struct {
	transport Transport
	logger    *slog.Logger
	cfg       Config

	mu        sync.Mutex
	pending   [][]byte
	closed    bool // terminal event accepted or transport dead
	lastFlush time.Time

	dropped atomic.Int64

	flushCh      chan struct{}
	done         chan struct{} // closed when the terminal frame is flushed or the loop exits
	disconnected chan struct{} // closed once on transport write failure
	discOnce     sync.Once
}

// NewFramer creates a framer over the transport. Call Run in its own
// goroutine; it exits after the terminal event is flushed, the context is
// cancelled, or the transport dies.
func NewFramer(transport Transport, logger *slog.Logger, cfg Config) *Framer {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig().MaxBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	return &Framer{
		transport:    transport,
		logger:       logger,
		cfg:          cfg,
		lastFlush:    time.Now(),
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// Emit enqueues one event with a monotonic timestamp. It never blocks
// beyond the internal mutex and never returns an error: a closed stream
// makes Emit a no-op, and transport failure is reported through
// Disconnected instead.
func (f *Framer) Emit(ev model.StreamEvent) {
	payload, err := marshalFrame(ev, time.Now().UTC())
	if err != nil {
		f.logger.Error("stream: marshal frame", "error", err, "type", ev.StreamEventType())
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if len(f.pending) >= maxPendingFrames {
		if !ev.Terminal() {
			// Sustained slow consumer: shed the frame rather than stall the
			// producer pump. Persistence is unaffected; only delivery suffers.
			f.dropped.Add(1)
			f.mu.Unlock()
			return
		}
		// The terminal frame is never shed: done/error must close every
		// stream, last. Evict the newest buffered frame instead; nothing
		// buffered at this point can be terminal (a terminal emit latches
		// closed above).
		f.pending = f.pending[:len(f.pending)-1]
		f.dropped.Add(1)
	}
	f.pending = append(f.pending, payload)
	if ev.Terminal() {
		// Latch immediately so nothing can be enqueued after done/error,
		// even before the flush loop drains the buffer.
		f.closed = true
	}
	signal := ev.Terminal() || len(f.pending) >= f.cfg.MaxBatch
	f.mu.Unlock()

	if signal {
		select {
		case f.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run drives the flush loop until the terminal frame is flushed or ctx is
// cancelled. On cancellation any buffered frames are flushed best-effort.
func (f *Framer) Run(ctx context.Context) {
	f.registerMetrics()

	flushTicker := time.NewTicker(f.cfg.FlushInterval)
	defer flushTicker.Stop()
	hbTicker := time.NewTicker(f.cfg.HeartbeatInterval / 4)
	defer hbTicker.Stop()
	defer close(f.done)

	for {
		select {
		case <-ctx.Done():
			f.flush()
			return
		case <-f.flushCh:
			if f.flush() {
				return
			}
		case <-flushTicker.C:
			if f.flush() {
				return
			}
		case <-hbTicker.C:
			if f.maybeHeartbeat() {
				if f.flush() {
					return
				}
			}
		}
	}
}

// Done is closed when the stream has fully terminated (terminal frame
// flushed, context cancelled, or transport dead).
func (f *Framer) Done() <-chan struct{} { return f.done }

// Disconnected is closed once if a transport write fails (client went
// away). The orchestrator uses it as a cancellation signal for delivery —
// never for persistence.
func (f *Framer) Disconnected() <-chan struct{} { return f.disconnected }

// Dropped returns the number of frames shed due to buffer capacity.
func (f *Framer) Dropped() int64 { return f.dropped.Load() }

// maybeHeartbeat enqueues a heartbeat only when the stream is idle: no
// flush within the heartbeat interval and nothing substantive buffered.
// That constraint is what keeps heartbeats out of the middle of event runs.
func (f *Framer) maybeHeartbeat() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.pending) > 0 {
		return false
	}
	if time.Since(f.lastFlush) < f.cfg.HeartbeatInterval {
		return false
	}
	payload, err := marshalFrame(model.HeartbeatEvent{}, time.Now().UTC())
	if err != nil {
		return false
	}
	f.pending = append(f.pending, payload)
	return true
}

// flush writes all buffered frames to the transport in order. Returns true
// when the stream is finished (terminal frame written or transport dead).
func (f *Framer) flush() bool {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	terminal := f.closed
	f.mu.Unlock()

	if len(batch) == 0 {
		return terminal
	}

	for _, p := range batch {
		if err := f.transport.WriteFrame(p); err != nil {
			f.logger.Info("stream: transport write failed, client disconnected", "error", err)
			f.discOnce.Do(func() { close(f.disconnected) })
			f.mu.Lock()
			f.closed = true
			f.pending = nil
			f.mu.Unlock()
			return true
		}
	}
	f.transport.Flush()

	f.mu.Lock()
	f.lastFlush = time.Now()
	f.mu.Unlock()
	return terminal
}

func (f *Framer) registerMetrics() {
	meter := telemetry.Meter("kaiwa/stream")

	_, _ = meter.Int64ObservableGauge("kaiwa.stream.buffer_depth",
		metric.WithDescription("Frames currently buffered in the event framer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			f.mu.Lock()
			n := len(f.pending)
			f.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kaiwa.stream.dropped_total",
		metric.WithDescription("Frames dropped due to a sustained slow consumer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(f.dropped.Load())
			return nil
		}),
	)
}

// marshalFrame renders one NDJSON line: the type tag and timestamp merged
// with the event's own fields, newline-terminated.
func marshalFrame(ev model.StreamEvent, ts time.Time) ([]byte, error) {
	fields, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal event: %w", err)
	}
	head, err := json.Marshal(frame{Type: ev.StreamEventType(), TS: ts})
	if err != nil {
		return nil, fmt.Errorf("stream: marshal frame head: %w", err)
	}

	// Merge {"type":...,"ts":...} with the event object. Heartbeats (and any
	// event with no fields) marshal to "{}"; everything else is spliced in.
	if string(fields) == "{}" {
		return append(head, '\n'), nil
	}
	merged := make([]byte, 0, len(head)+len(fields))
	merged = append(merged, head[:len(head)-1]...) // drop closing brace
	merged = append(merged, ',')
	merged = append(merged, fields[1:]...) // drop opening brace
	merged = append(merged, '\n')
	return merged, nil
}
