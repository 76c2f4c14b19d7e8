package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payxpay/payxpay/internal/metrics"
	"github.com/payxpay/payxpay/internal/pagination"
	"github.com/payxpay/payxpay/internal/syncutil"
	"github.com/payxpay/payxpay/internal/traces"
	"github.com/payxpay/payxpay/internal/xion"
)

// Chain reads payment txs and executes escrow settlements.
type Chain interface {
	GetTransaction(ctx context.Context, hash string) (*xion.Tx, error)
	ReleaseEscrow(ctx context.Context, invoiceID string) (*xion.Tx, error)
	RefundEscrow(ctx context.Context, invoiceID string) (*xion.Tx, error)
}

// PaymentValidator decides whether a tx pays an invoice in direct mode.
// Rule violations wrap ErrPaymentRejected; oracle failures wrap ErrUpstream.
type PaymentValidator interface {
	Check(ctx context.Context, inv Invoice, tx *xion.Tx) error
}

// Notifier tells the counterparties about lifecycle changes. Implementations
// must not block; delivery failures are theirs to log.
type Notifier interface {
	PaymentRecorded(ctx context.Context, rec *Record)
	PaymentConfirmed(ctx context.Context, rec *Record)
	EscrowApproved(ctx context.Context, rec *Record)
	EscrowRejected(ctx context.Context, rec *Record)
	EscrowRefunded(ctx context.Context, rec *Record)
}

// EventPublisher pushes committed changes to live subscribers.
type EventPublisher interface {
	PublishInvoice(rec *Record, action string)
}

// SharePreparer stores the invoice card an issuer forwards to a payer.
type SharePreparer interface {
	PrepareShare(ctx context.Context, rec *Record) (PreparedShare, error)
}

// PreparedShare identifies a stored share card. ExpiresAt is unix seconds.
type PreparedShare struct {
	ID        string
	ExpiresAt int64
}

// Issuer identifies who creates an invoice. The id comes from the session.
type Issuer struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

// CreateRequest contains the parameters for creating an invoice.
type CreateRequest struct {
	Description   string `json:"description"`
	Amount        string `json:"amount" binding:"required"`
	Unit          string `json:"unit" binding:"required"`
	PayoutAddress string `json:"payoutAddress" binding:"required"`
	ValidUntil    int64  `json:"validUntil"` // unix seconds, 0 for no expiry
}

// Service implements the invoice lifecycle.
type Service struct {
	store     Store
	signer    *Signer
	chain     Chain
	validator PaymentValidator
	notifier  Notifier
	events    EventPublisher
	sharer    SharePreparer
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the invoice service.
func NewService(store Store, signer *Signer, chain Chain, validator PaymentValidator) *Service {
	return &Service{
		store:     store,
		signer:    signer,
		chain:     chain,
		validator: validator,
		notifier:  nopNotifier{},
		locks:     syncutil.NewKeyedMutex(0),
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithNotifier sets the Telegram notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents sets the realtime event publisher.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithSharer sets the share card preparer.
func (s *Service) WithSharer(p SharePreparer) *Service {
	s.sharer = p
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Signer returns the invoice signer.
func (s *Service) Signer() *Signer { return s.signer }

// Create signs and stores a new invoice issued by issuer.
func (s *Service) Create(ctx context.Context, issuer Issuer, req CreateRequest) (*Record, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, fmt.Errorf("%w: amount must be a decimal number", ErrValidation)
	}
	now := s.now().UTC()
	validity := NoExpiry()
	if req.ValidUntil != 0 {
		validity = ExpiresAt(req.ValidUntil)
	}
	inv := Invoice{
		ID:              NewID(),
		Description:     strings.TrimSpace(req.Description),
		IssuerID:        issuer.ID,
		IssuerFirstName: issuer.FirstName,
		IssuerLastName:  issuer.LastName,
		IssuerHandle:    strings.TrimPrefix(issuer.Username, "@"),
		IssueTimestamp:  now.Unix(),
		Validity:        validity,
		Amount:          amount,
		Unit:            strings.TrimSpace(req.Unit),
		PayoutAddress:   strings.TrimSpace(req.PayoutAddress),
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:           inv.ID,
		Invoice:      s.signer.SignInvoice(inv),
		IssuerID:     issuer.ID,
		Confirmation: ConfirmationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store invoice: %w", err)
	}
	metrics.InvoicesCreatedTotal.Inc()
	s.logger.Info("invoice created", "invoice_id", rec.ID, "issuer_id", issuer.ID, "unit", inv.Unit)
	return rec, nil
}

// Get returns one invoice record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// Share prepares the invoice card for its issuer to forward. Paid invoices
// are not shared.
func (s *Service) Share(ctx context.Context, id string, caller int64) (PreparedShare, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return PreparedShare{}, err
	}
	if !rec.IsIssuer(caller) {
		return PreparedShare{}, fmt.Errorf("%w: only the issuer can share an invoice", ErrForbidden)
	}
	if rec.Payment != nil {
		return PreparedShare{}, fmt.Errorf("%w: invoice is already paid", ErrInvalidState)
	}
	if s.sharer == nil {
		return PreparedShare{}, fmt.Errorf("%w: sharing is not configured", ErrUpstream)
	}
	share, err := s.sharer.PrepareShare(ctx, rec)
	if err != nil {
		s.logger.Warn("prepare share failed", "invoice_id", id, "error", err)
		return PreparedShare{}, fmt.Errorf("%w: prepare share: %v", ErrUpstream, err)
	}
	s.logger.Info("invoice shared", "invoice_id", id, "user_id", caller)
	return share, nil
}

// List returns one page of the user's invoices and the cursor of the next page.
func (s *Service) List(ctx context.Context, userID int64, role Role, cursor string, limit int) ([]*Record, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	limit = pagination.ClampLimit(limit)
	recs, err := s.store.ListByUser(ctx, userID, ListFilter{Role: role, Cursor: c, Limit: limit + 1})
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(recs, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return page, next, nil
}

// Verify decodes an encoded signed invoice and checks its signature.
func (s *Service) Verify(encoded string) (SignedInvoice, bool, error) {
	si, err := Decode(encoded)
	if err != nil {
		return SignedInvoice{}, false, err
	}
	return si, s.signer.VerifySigned(si), nil
}

// Apply runs one lifecycle action for caller against invoice id. Request
// validation happens first, then the per-invoice lock is taken, the record
// read, legality checked, and the effect written with a conditional store
// write. Notifications and events are sent after the write commits.
func (s *Service) Apply(ctx context.Context, id string, caller int64, action Action) (*Record, error) {
	name := action.Name()
	rec, err := s.apply(ctx, id, caller, action)
	metrics.InvoiceTransitionsTotal.WithLabelValues(name, transitionResult(err)).Inc()
	if err != nil {
		return nil, err
	}
	s.logger.Info("invoice transition", "invoice_id", id, "action", name, "user_id", caller, "state", rec.State())
	s.announce(ctx, rec, action)
	return rec, nil
}

func (s *Service) apply(ctx context.Context, id string, caller int64, action Action) (*Record, error) {
	if err := action.validate(); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "invoice."+action.Name(),
		traces.InvoiceID(id), traces.Action(action.Name()), traces.UserID(caller))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := action.check(rec, caller); err != nil {
		return nil, err
	}

	var next *Record
	switch a := action.(type) {
	case Delete:
		next, err = s.delete(ctx, rec)
	case RecordPayment:
		next, err = s.recordPayment(ctx, rec, caller, a)
	case Confirm:
		next, err = s.confirm(ctx, rec)
	case Approve:
		next, err = s.approve(ctx, rec)
	case Reject:
		next, err = s.reject(ctx, rec, a)
	case Refund:
		next, err = s.refund(ctx, rec)
	default:
		err = fmt.Errorf("%w: unsupported action %T", ErrValidation, action)
	}
	traces.Fail(span, err)
	return next, err
}

func (s *Service) delete(ctx context.Context, rec *Record) (*Record, error) {
	if err := s.store.Delete(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) recordPayment(ctx context.Context, rec *Record, caller int64, a RecordPayment) (*Record, error) {
	txRef := normalizeTxRef(a.TxRef)
	tx, err := s.chain.GetTransaction(ctx, txRef)
	switch {
	case errors.Is(err, xion.ErrTxNotFound):
		return nil, fmt.Errorf("%w: transaction %s not found on chain", ErrPaymentRejected, txRef)
	case err != nil:
		return nil, fmt.Errorf("%w: fetch transaction: %v", ErrUpstream, err)
	case !tx.Succeeded():
		return nil, fmt.Errorf("%w: transaction %s failed on chain", ErrPaymentRejected, txRef)
	}

	now := s.now().UTC()
	payment := Payment{
		TxRef:        txRef,
		Mode:         a.Mode,
		PayerID:      caller,
		PayerAddress: strings.TrimSpace(a.PayerAddress),
		RecordedAt:   now,
	}
	var payout *Payout
	switch a.Mode {
	case PaymentDirect:
		if err := s.validator.Check(ctx, rec.Invoice.Invoice, tx); err != nil {
			metrics.PaymentValidationsTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
		metrics.PaymentValidationsTotal.WithLabelValues("accepted").Inc()
		payout = &Payout{Kind: PayoutDirect, TxRef: txRef, SettledAt: now}
	case PaymentEscrow:
		// TODO: match the escrow contract's create event (action=create, id,
		// amount) once the contract emits it, the same way approve is matched.
	}

	if err := s.store.RecordPayment(ctx, rec.ID, payment, payout); err != nil {
		return nil, err
	}
	next := rec.clone()
	next.Payment = &payment
	next.Payout = payout
	next.UpdatedAt = now
	return next, nil
}

func (s *Service) confirm(ctx context.Context, rec *Record) (*Record, error) {
	now := s.now().UTC()
	if err := s.store.SetConfirmed(ctx, rec.ID, now); err != nil {
		return nil, err
	}
	next := rec.clone()
	next.Confirmation = ConfirmationConfirmed
	next.ConfirmedAt = &now
	next.UpdatedAt = now
	return next, nil
}

func (s *Service) approve(ctx context.Context, rec *Record) (*Record, error) {
	tx, err := s.chain.ReleaseEscrow(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: release escrow: %v", ErrUpstream, err)
	}
	expected := map[string]string{"action": "approve", "id": rec.ID, "to": rec.Invoice.PayoutAddress}
	if !tx.MatchesWasm(expected) {
		return nil, fmt.Errorf("%w: release tx %s did not pay the issuer", ErrUpstream, tx.Hash)
	}
	payout := Payout{Kind: PayoutApprove, TxRef: tx.Hash, SettledAt: s.now().UTC()}
	return s.settle(ctx, rec, payout, ConfirmationConfirmed)
}

func (s *Service) reject(ctx context.Context, rec *Record, a Reject) (*Record, error) {
	payout := Payout{Kind: PayoutReject, RejectionReason: strings.TrimSpace(a.Reason), SettledAt: s.now().UTC()}
	return s.settle(ctx, rec, payout, rec.Confirmation)
}

func (s *Service) refund(ctx context.Context, rec *Record) (*Record, error) {
	tx, err := s.chain.RefundEscrow(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: refund escrow: %v", ErrUpstream, err)
	}
	expected := map[string]string{"action": "refund", "id": rec.ID}
	if rec.Payment.PayerAddress != "" {
		expected["to"] = rec.Payment.PayerAddress
	}
	if !tx.MatchesWasm(expected) {
		return nil, fmt.Errorf("%w: refund tx %s did not pay the payer", ErrUpstream, tx.Hash)
	}
	payout := Payout{Kind: PayoutRefund, TxRef: tx.Hash, SettledAt: s.now().UTC()}
	return s.settle(ctx, rec, payout, ConfirmationDenied)
}

// settle writes the payout. When a chain call already moved funds, a failed
// write is retried once and then logged for manual reconciliation.
func (s *Service) settle(ctx context.Context, rec *Record, payout Payout, confirmation Confirmation) (*Record, error) {
	err := s.store.SetPayout(ctx, rec.ID, payout, confirmation)
	if err != nil && payout.TxRef != "" && !errors.Is(err, ErrInvalidState) {
		err = s.store.SetPayout(ctx, rec.ID, payout, confirmation)
		if err != nil {
			metrics.SettlementWriteFailuresTotal.Inc()
			s.logger.Error("settlement executed on chain but not recorded",
				"invoice_id", rec.ID, "kind", payout.Kind, "tx_hash", payout.TxRef, "error", err)
		}
	}
	if err != nil {
		return nil, err
	}
	next := rec.clone()
	next.Payout = &payout
	next.Confirmation = confirmation
	next.UpdatedAt = payout.SettledAt
	return next, nil
}

// announce notifies the counterparties and live subscribers.
func (s *Service) announce(ctx context.Context, rec *Record, action Action) {
	switch action.(type) {
	case RecordPayment:
		s.notifier.PaymentRecorded(ctx, rec)
	case Confirm:
		s.notifier.PaymentConfirmed(ctx, rec)
	case Approve:
		s.notifier.EscrowApproved(ctx, rec)
	case Reject:
		s.notifier.EscrowRejected(ctx, rec)
	case Refund:
		s.notifier.EscrowRefunded(ctx, rec)
	}
	if s.events != nil {
		s.events.PublishInvoice(rec, action.Name())
	}
}

func transitionResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPaymentRejected):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrDuplicate):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type nopNotifier struct{}

func (nopNotifier) PaymentRecorded(context.Context, *Record)  {}
func (nopNotifier) PaymentConfirmed(context.Context, *Record) {}
func (nopNotifier) EscrowApproved(context.Context, *Record)   {}
func (nopNotifier) EscrowRejected(context.Context, *Record)   {}
func (nopNotifier) EscrowRefunded(context.Context, *Record)   {}
