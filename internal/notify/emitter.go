// Package notify tells invoice counterparties about lifecycle changes
// through the Telegram bot.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/payxpay/payxpay/internal/invoice"
	"github.com/payxpay/payxpay/internal/retry"
	"github.com/payxpay/payxpay/internal/telegram"
)

var notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "payxpay",
	Subsystem: "notify",
	Name:      "messages_total",
	Help:      "Telegram notifications by template and result (sent, failed, dropped).",
}, []string{"template", "result"})

func init() {
	prometheus.MustRegister(notificationsTotal)
}

// Sender delivers one bot message.
type Sender interface {
	SendMessage(ctx context.Context, msg telegram.Message) error
}

// Config controls delivery and the links placed in messages.
type Config struct {
	AppURL      string // Mini-App base URL, opened from web_app buttons
	ExplorerURL string // block explorer base URL
	MaxInFlight int
	Timeout     time.Duration
	Attempts    int
	RetryDelay  time.Duration
}

// Emitter implements invoice.Notifier. Every method returns immediately;
// messages are sent by background goroutines, at most MaxInFlight at a time.
type Emitter struct {
	sender Sender
	links  links
	cfg    Config
	logger *slog.Logger
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewEmitter creates a notifier that sends through sender.
func NewEmitter(sender Sender, cfg Config, logger *slog.Logger) *Emitter {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = DefaultExplorerURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sender: sender,
		links:  links{app: cfg.AppURL, explorer: cfg.ExplorerURL},
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, cfg.MaxInFlight),
	}
}

var _ invoice.Notifier = (*Emitter)(nil)

// PaymentRecorded tells the issuer a payment arrived.
func (e *Emitter) PaymentRecorded(ctx context.Context, rec *invoice.Record) {
	if rec.Payment == nil {
		return
	}
	e.emit(ctx, "payment_recorded", e.links.paymentRecorded(rec))
}

// PaymentConfirmed asks an escrow payer to approve or reject. Direct
// payments are already settled and need no answer.
func (e *Emitter) PaymentConfirmed(ctx context.Context, rec *invoice.Record) {
	if rec.Payment == nil || rec.Payment.Mode != invoice.PaymentEscrow {
		return
	}
	e.emit(ctx, "payment_confirmed", e.links.paymentConfirmed(rec))
}

// EscrowApproved tells the issuer the funds were released.
func (e *Emitter) EscrowApproved(ctx context.Context, rec *invoice.Record) {
	if rec.Payout == nil {
		return
	}
	e.emit(ctx, "escrow_approved", e.links.escrowApproved(rec))
}

// EscrowRejected tells the issuer why the payer refused the escrow.
func (e *Emitter) EscrowRejected(ctx context.Context, rec *invoice.Record) {
	if rec.Payout == nil || rec.Payment == nil {
		return
	}
	e.emit(ctx, "escrow_rejected", e.links.escrowRejected(rec))
}

// EscrowRefunded tells both sides the funds went back to the payer.
func (e *Emitter) EscrowRefunded(ctx context.Context, rec *invoice.Record) {
	if rec.Payout == nil || rec.Payment == nil {
		return
	}
	e.emit(ctx, "escrow_refunded", e.links.escrowRefundedIssuer(rec))
	e.emit(ctx, "escrow_refunded", e.links.escrowRefundedPayer(rec))
}

// Wait blocks until queued messages are sent or ctx is done.
func (e *Emitter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) emit(ctx context.Context, template string, msg telegram.Message) {
	if e == nil || e.sender == nil || msg.ChatID == 0 {
		return
	}
	select {
	case e.sem <- struct{}{}:
	default:
		notificationsTotal.WithLabelValues(template, "dropped").Inc()
		e.logger.Warn("notification dropped, too many in flight", "template", template, "chat_id", msg.ChatID)
		return
	}

	// The request is over by the time this runs; keep its values only.
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()

		ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		if err := e.deliver(ctx, msg); err != nil {
			notificationsTotal.WithLabelValues(template, "failed").Inc()
			e.logger.Warn("notification failed", "template", template, "chat_id", msg.ChatID, "error", err)
			return
		}
		notificationsTotal.WithLabelValues(template, "sent").Inc()
	}()
}

// deliver retries transient failures. A 429 waits the interval the Bot API
// asked for; other client errors, such as a user who blocked the bot, are final.
func (e *Emitter) deliver(ctx context.Context, msg telegram.Message) error {
	return retry.Do(ctx, e.cfg.Attempts, e.cfg.RetryDelay, func() error {
		return retryable(ctx, e.sender.SendMessage(ctx, msg))
	})
}

// retryable classifies a Bot API error for retry.Do.
func retryable(ctx context.Context, err error) error {
	var apiErr *telegram.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Status == http.StatusTooManyRequests && apiErr.RetryAfter > 0 {
		select {
		case <-ctx.Done():
			return retry.Permanent(ctx.Err())
		case <-time.After(apiErr.RetryAfter):
		}
		return err
	}
	return retry.ForStatus(apiErr.Status, err)
}
