// Package delivery sends drained event batches to the collection endpoint
// and runs the cadence job that drains the store.
//
// Delivery is at-most-once per batch: a batch that fails after the retry
// budget is dropped, not re-queued.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/clock"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/transport"
)

// BatchIDHeader carries a per-batch UUID that stays the same across retries
// so the collector can discard a replayed batch.
const BatchIDHeader = "X-Kansoku-Batch-Id"

// Envelope returns the session and device metadata for the next batch.
// Events is ignored and filled in by the client.
type Envelope func() model.Batch

// ClientConfig configures a Client.
type ClientConfig struct {
	CollectorURL string // batches are POSTed to <CollectorURL>/<ClientKey>
	ClientKey    string
	SDKVersion   string
	HTTPClient   transport.Doer
	Policy       transport.Policy
	Compress     bool // gzip request bodies
	Logger       *slog.Logger
	Clock        clock.Clock

	// RequestTimeout returns the per-attempt timeout for the next send. A nil
	// func or a non-positive result keeps Policy.Timeout.
	RequestTimeout func() time.Duration

	// Emit receives LOG events for events that could not be encoded.
	Emit func(model.Event)
}

// encodedBatch is the wire body. Its Events field shadows the embedded one so
// each event is encoded on its own.
type encodedBatch struct {
	model.Batch
	Events []json.RawMessage `json:"events"`
}

// Client serializes and sends batches. Safe for concurrent use.
type Client struct {
	cfg      ClientConfig
	envelope Envelope
	logger   *slog.Logger

	batches     metric.Int64Counter
	events      metric.Int64Counter
	unencodable metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewClient creates a Client. envelope may be nil, in which case batches
// carry only the SDK version and events.
func NewClient(cfg ClientConfig, envelope Envelope) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if envelope == nil {
		envelope = func() model.Batch { return model.Batch{} }
	}

	meter := telemetry.Meter("kansoku/delivery")
	batches, _ := meter.Int64Counter("kansoku.delivery.batches",
		metric.WithDescription("Batches sent, by outcome"),
	)
	events, _ := meter.Int64Counter("kansoku.delivery.events",
		metric.WithDescription("Events sent, by outcome"),
	)
	unencodable, _ := meter.Int64Counter("kansoku.delivery.unencodable_events",
		metric.WithDescription("Events dropped because they could not be encoded"),
	)
	duration, _ := meter.Float64Histogram("kansoku.delivery.duration",
		metric.WithDescription("Time to deliver a batch including retries (ms)"),
		metric.WithUnit("ms"),
	)

	return &Client{
		cfg:      cfg,
		envelope: envelope,
		logger:   cfg.Logger,
		batches:     batches,
		events:      events,
		unencodable: unencodable,
		duration:    duration,
	}
}

// Send delivers events as one batch. cb observes each attempt and may be
// nil. The returned error is a *transport.Error when every attempt failed.
//
// Events that cannot be encoded are dropped, counted and reported through
// Emit; the rest are sent. When no event survives encoding nothing is sent.
// When the request cannot be built, cb gets one final OnFailure with status 0.
func (c *Client) Send(ctx context.Context, events []model.Event, cb transport.Callback) error {
	if len(events) == 0 {
		return nil
	}
	if cb == nil {
		cb = transport.Funcs{}
	}

	batchID := uuid.New()
	ctx, span := telemetry.Tracer("kansoku/delivery").Start(ctx, "delivery.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("kansoku.batch_size", len(events)),
			attribute.String("kansoku.batch_id", batchID.String()),
		),
	)
	defer span.End()

	encoded := c.encodeEvents(ctx, events)
	if len(encoded) == 0 {
		return nil
	}

	req, err := c.newRequest(ctx, batchID, encoded)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		cb.OnFailure(0, err.Error(), false)
		c.logger.Warn("delivery: batch dropped", "batch_id", batchID, "batch_size", len(events), "error", err)
		return err
	}

	start := time.Now()
	_, err = transport.Do(ctx, c.cfg.HTTPClient, req, c.policy(), cb)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}
	span.SetAttributes(attribute.Int("http.status_code", transport.StatusCode(err)))
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	c.batches.Add(ctx, 1, attrs)
	c.events.Add(ctx, int64(len(encoded)), attrs)
	c.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	if err != nil {
		c.logger.Warn("delivery: batch dropped after retries",
			"batch_id", batchID, "batch_size", len(encoded), "error", err)
		return fmt.Errorf("delivery: send batch: %w", err)
	}
	c.logger.Debug("delivery: batch sent", "batch_id", batchID, "batch_size", len(encoded),
		"duration_ms", elapsed.Milliseconds())
	return nil
}

func (c *Client) policy() transport.Policy {
	p := c.cfg.Policy
	if c.cfg.RequestTimeout != nil {
		if d := c.cfg.RequestTimeout(); d > 0 {
			p.Timeout = d
		}
	}
	return p
}

// encodeEvents encodes each event separately so one bad value costs only
// its own event.
func (c *Client) encodeEvents(ctx context.Context, events []model.Event) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			c.unencodable.Add(ctx, 1)
			c.logger.Warn("delivery: dropping unencodable event", "type", e.Type, "error", err)
			if c.cfg.Emit != nil {
				c.cfg.Emit(model.Diagnostic(c.cfg.Clock.Now().UnixMilli(), model.LevelWarn,
					"event dropped: not encodable",
					model.F("type", string(e.Type)), model.F("error", err.Error())))
			}
			continue
		}
		out = append(out, b)
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, batchID uuid.UUID, events []json.RawMessage) (*http.Request, error) {
	batch := encodedBatch{Batch: c.envelope(), Events: events}
	if batch.SDKVersion == "" {
		batch.SDKVersion = c.cfg.SDKVersion
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("delivery: marshal batch: %w", err)
	}
	if c.cfg.Compress {
		if payload, err = gzipBytes(payload); err != nil {
			return nil, fmt.Errorf("delivery: compress batch: %w", err)
		}
	}

	endpoint, err := url.JoinPath(c.cfg.CollectorURL, url.PathEscape(c.cfg.ClientKey))
	if err != nil {
		return nil, fmt.Errorf("delivery: build url: %w", err)
	}
	// bytes.NewReader sets GetBody, which the retry loop uses to resend.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("delivery: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.cfg.SDKVersion != "" {
		req.Header.Set("User-Agent", "kansoku/"+c.cfg.SDKVersion)
	}
	req.Header.Set(BatchIDHeader, batchID.String())
	telemetry.Propagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
