package notify

import (
	"context"
	"time"

	"github.com/payxpay/payxpay/internal/invoice"
	"github.com/payxpay/payxpay/internal/retry"
	"github.com/payxpay/payxpay/internal/telegram"
)

// InlineSaver stores a prepared inline message for one user.
type InlineSaver interface {
	SavePreparedInlineMessage(ctx context.Context, userID int64, article telegram.InlineQueryResultArticle) (*telegram.PreparedInlineMessage, error)
}

// Sharer implements invoice.SharePreparer. The card is saved for the
// issuer, who picks the chat to send it to from the Mini-App.
type Sharer struct {
	saver       InlineSaver
	botUsername string
	cfg         Config
}

// NewSharer creates a share card preparer. botUsername builds the deep
// link inside the card.
func NewSharer(saver InlineSaver, botUsername string, cfg Config) *Sharer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Sharer{saver: saver, botUsername: botUsername, cfg: cfg}
}

var _ invoice.SharePreparer = (*Sharer)(nil)

// PrepareShare saves the card for rec's issuer.
func (s *Sharer) PrepareShare(ctx context.Context, rec *invoice.Record) (invoice.PreparedShare, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	card := shareCard(rec.Invoice.Invoice, invoice.ShareLink(s.botUsername, rec.ID))
	var prepared *telegram.PreparedInlineMessage
	err := retry.Do(ctx, s.cfg.Attempts, s.cfg.RetryDelay, func() error {
		var err error
		prepared, err = s.saver.SavePreparedInlineMessage(ctx, rec.IssuerID, card)
		return retryable(ctx, err)
	})
	if err != nil {
		notificationsTotal.WithLabelValues("invoice_share", "failed").Inc()
		return invoice.PreparedShare{}, err
	}
	notificationsTotal.WithLabelValues("invoice_share", "sent").Inc()
	return invoice.PreparedShare{ID: prepared.ID, ExpiresAt: prepared.ExpirationDate}, nil
}
