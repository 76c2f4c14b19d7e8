package xion

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/payxpay/payxpay/internal/retry"
	"github.com/payxpay/payxpay/internal/traces"
)

// codeWrongSequence is sdkerrors.ErrWrongSequence, returned by CheckTx when
// another tx from the same account landed first.
const codeWrongSequence = 32

var (
	ErrArbiterDisabled = errors.New("arbiter key not configured")
	ErrTxRejected      = errors.New("transaction rejected by chain")
)

// ArbiterConfig describes the escrow arbiter account.
type ArbiterConfig struct {
	PrivateKeyHex string // secp256k1 key, hex, optional 0x prefix
	Address       string // bech32 address of the key
	Contract      string // escrow contract address
	ChainID       string
	Fee           Fee
	PollInterval  time.Duration
	PollAttempts  int
}

// Arbiter executes approve and refund on the escrow contract with the
// service-held key. Submissions are serialized because each one consumes
// the account sequence.
type Arbiter struct {
	client *Client
	key    *ecdsa.PrivateKey
	pubKey []byte
	cfg    ArbiterConfig
	logger *slog.Logger
	mu     sync.Mutex
}

// NewArbiter parses the key and returns an arbiter bound to client.
func NewArbiter(client *Client, cfg ArbiterConfig, logger *slog.Logger) (*Arbiter, error) {
	if cfg.PrivateKeyHex == "" {
		return nil, ErrArbiterDisabled
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("arbiter key: %w", err)
	}
	if cfg.Address == "" || cfg.Contract == "" || cfg.ChainID == "" {
		return nil, errors.New("arbiter requires address, contract and chain id")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 15
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		client: client,
		key:    key,
		pubKey: crypto.CompressPubkey(&key.PublicKey),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// ReleaseEscrow pays the escrowed funds of invoiceID out to the issuer.
func (a *Arbiter) ReleaseEscrow(ctx context.Context, invoiceID string) (*Tx, error) {
	return a.execute(ctx, "approve", invoiceID)
}

// RefundEscrow returns the escrowed funds of invoiceID to the payer.
func (a *Arbiter) RefundEscrow(ctx context.Context, invoiceID string) (*Tx, error) {
	return a.execute(ctx, "refund", invoiceID)
}

func (a *Arbiter) execute(ctx context.Context, action, invoiceID string) (*Tx, error) {
	ctx, span := traces.StartSpan(ctx, "xion.Arbiter."+action, traces.InvoiceID(invoiceID))
	defer span.End()

	msg, err := json.Marshal(map[string]map[string]string{action: {"id": invoiceID}})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var hash string
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		h, err := a.submit(ctx, msg, memoFor(action, invoiceID))
		hash = h
		return err
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.TxHash(hash))

	tx, err := a.client.WaitForTx(ctx, hash, a.cfg.PollInterval, a.cfg.PollAttempts)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if !tx.Succeeded() {
		err := fmt.Errorf("%w: %s code %d: %s", ErrTxRejected, tx.Hash, tx.Code, tx.RawLog)
		traces.Fail(span, err)
		return nil, err
	}
	a.logger.Info("escrow action executed", "action", action, "invoice_id", invoiceID, "tx_hash", tx.Hash)
	return tx, nil
}

// submit signs and broadcasts one MsgExecuteContract. Only a sequence race
// is worth retrying; any other CheckTx failure is permanent.
func (a *Arbiter) submit(ctx context.Context, msg []byte, memo string) (string, error) {
	acct, err := a.client.Account(ctx, a.cfg.Address)
	if err != nil {
		return "", err
	}
	raw, err := a.signTx(msg, memo, acct.AccountNumber, acct.Sequence)
	if err != nil {
		return "", retry.Permanent(err)
	}
	res, err := a.client.Broadcast(ctx, raw)
	if err != nil {
		return "", err
	}
	switch res.Code {
	case 0:
		return res.TxHash, nil
	case codeWrongSequence:
		return "", fmt.Errorf("%w: code %d: %s", ErrTxRejected, res.Code, res.RawLog)
	default:
		return "", retry.Permanent(fmt.Errorf("%w: code %d: %s", ErrTxRejected, res.Code, res.RawLog))
	}
}

// signTx builds TxRaw bytes signed in SIGN_MODE_DIRECT.
func (a *Arbiter) signTx(msg []byte, memo string, accountNumber, sequence uint64) ([]byte, error) {
	execute := encodeMsgExecuteContract(a.cfg.Address, a.cfg.Contract, msg, nil)
	body := encodeTxBody([][]byte{encodeAny(typeMsgExecuteContract, execute)}, memo)
	authInfo := encodeAuthInfo(encodeSignerInfo(a.pubKey, sequence), a.cfg.Fee)
	signDoc := encodeSignDoc(body, authInfo, a.cfg.ChainID, accountNumber)

	digest := sha256.Sum256(signDoc)
	sig, err := crypto.Sign(digest[:], a.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	// Cosmos expects the 64-byte R||S form without the recovery id.
	return encodeTxRaw(body, authInfo, sig[:64]), nil
}
