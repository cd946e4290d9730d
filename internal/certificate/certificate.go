// Package certificate delivers certificate requests for passed attempts to the
// external certificate generator.
//
// Requests are persisted in the certificate_events outbox by the attempt manager in
// the same transaction that marks a registration passed. The Trigger delivers them in
// the background; undelivered events are picked up again when Run starts.
package certificate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aqrarportal/examengine/internal/model"
)

// Generator issues a certificate and returns its id.
type Generator interface {
	Generate(ctx context.Context, req model.CertificateRequest) (string, error)
}

// Outbox is the persisted side of certificate delivery.
type Outbox interface {
	GetCertificateEvent(ctx context.Context, registrationID int64) (model.CertificateEvent, error)
	PendingCertificateEvents(ctx context.Context) ([]model.CertificateEvent, error)
	MarkCertificateDelivered(ctx context.Context, eventID, certificateID string, now time.Time) error
	MarkCertificateFailed(ctx context.Context, eventID, reason string) error
}

// HTTPGenerator posts requests as JSON to a certificate service.
type HTTPGenerator struct {
	url  string
	http *http.Client
}

// NewHTTPGenerator creates a generator client for url.
func NewHTTPGenerator(url string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{url: url, http: &http.Client{Timeout: timeout}}
}

// Generate sends the request. The event id doubles as idempotency key so the service
// can drop duplicates after a crash between delivery and bookkeeping.
func (g *HTTPGenerator) Generate(ctx context.Context, req model.CertificateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.EventID)

	res, err := g.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return "", fmt.Errorf("certificate generator: %s", res.Status)
	}
	var out struct {
		CertificateID string `json:"certificate_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode certificate response: %w", err)
	}
	if out.CertificateID == "" {
		return "", errors.New("certificate generator returned no certificate_id")
	}
	return out.CertificateID, nil
}

// Trigger queues certificate requests and delivers them one at a time.
type Trigger struct {
	gen    Generator
	outbox Outbox
	queue  chan model.CertificateRequest
	now    func() time.Time
}

// NewTrigger creates a Trigger. A nil generator leaves events pending in the outbox
// until a generator is configured.
func NewTrigger(gen Generator, outbox Outbox, queueSize int) *Trigger {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Trigger{
		gen:    gen,
		outbox: outbox,
		queue:  make(chan model.CertificateRequest, queueSize),
		now:    time.Now,
	}
}

// Enqueue hands a request to the delivery worker without blocking. When the queue is
// full the event stays pending in the outbox and is delivered on the next Run.
func (t *Trigger) Enqueue(req model.CertificateRequest) {
	select {
	case t.queue <- req:
	default:
		slog.Warn("certificate queue full, event left pending",
			"event_id", req.EventID, "registration_id", req.RegistrationID)
	}
}

// Run delivers pending outbox events, then queued requests, until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context) error {
	if t.gen == nil {
		slog.Warn("certificate generator not configured, certificate events stay pending")
		<-ctx.Done()
		return nil
	}
	if err := t.resume(ctx); err != nil {
		slog.Error("resume certificate events", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-t.queue:
			t.deliver(ctx, req)
		}
	}
}

func (t *Trigger) resume(ctx context.Context) error {
	events, err := t.outbox.PendingCertificateEvents(ctx)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		slog.Info("resuming certificate events", "count", len(events))
	}
	for _, ev := range events {
		t.deliver(ctx, ev.Request)
	}
	return nil
}

func (t *Trigger) deliver(ctx context.Context, req model.CertificateRequest) {
	log := slog.With("event_id", req.EventID, "registration_id", req.RegistrationID)

	ev, err := t.outbox.GetCertificateEvent(ctx, req.RegistrationID)
	if err != nil {
		log.Error("load certificate event", "error", err)
		return
	}
	if ev.Status != model.CertificatePending {
		return
	}

	certID, err := t.gen.Generate(ctx, ev.Request)
	if err != nil {
		log.Error("certificate generation failed", "error", err)
		if err := t.outbox.MarkCertificateFailed(ctx, ev.Request.EventID, err.Error()); err != nil {
			log.Error("record certificate failure", "error", err)
		}
		return
	}
	if err := t.outbox.MarkCertificateDelivered(ctx, ev.Request.EventID, certID, t.now()); err != nil {
		log.Error("record certificate delivery", "certificate_id", certID, "error", err)
		return
	}
	log.Info("certificate issued", "certificate_id", certID)
}
