package xion

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payxpay/payxpay/internal/circuitbreaker"
	"github.com/payxpay/payxpay/internal/logging"
	"github.com/payxpay/payxpay/internal/retry"
)

const (
	arbiterAddr  = "xion1arbiter"
	escrowAddr   = "xion1escrowcontract"
	testChainID  = "xion-testnet-1"
	settleTxHash = "AB86D081884C7D659A2FEAA0C55AD015A3BF4F1B2B0B822CD15D6C15B0F00A08"
)

type fakeNode struct {
	broadcasts  atomic.Int32
	rejectFirst uint32 // CheckTx code for the first broadcast
	txCode      int

	mu     sync.Mutex
	lastTx []byte
}

func (n *fakeNode) last() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastTx
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/cosmos/auth/v1beta1/accounts/"):
		_, _ = w.Write([]byte(`{"account":{"address":"` + arbiterAddr + `","account_number":"3","sequence":"11"}}`))
	case r.Method == http.MethodPost && r.URL.Path == "/cosmos/tx/v1beta1/txs":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		raw, _ := base64.StdEncoding.DecodeString(body["tx_bytes"])
		n.mu.Lock()
		n.lastTx = raw
		n.mu.Unlock()
		code := uint32(0)
		if n.broadcasts.Add(1) == 1 {
			code = n.rejectFirst
		}
		_, _ = w.Write([]byte(`{"tx_response":{"txhash":"` + settleTxHash + `","code":` + itoa(int(code)) + `,"raw_log":"x"}}`))
	case strings.HasPrefix(r.URL.Path, "/cosmos/tx/v1beta1/txs/"):
		_, _ = w.Write([]byte(txJSON(settleTxHash, n.txCode)))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestArbiter(t *testing.T, node *fakeNode) (*Arbiter, []byte) {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client := NewClient(srv.URL,
		WithRetry(retry.Policy{Attempts: 1}),
		WithBreaker(circuitbreaker.New(10, time.Minute)),
		WithLogger(logging.Discard()),
	)
	a, err := NewArbiter(client, ArbiterConfig{
		PrivateKeyHex: "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		Address:       arbiterAddr,
		Contract:      escrowAddr,
		ChainID:       testChainID,
		Fee:           Fee{Amount: []Coin{{Denom: "uxion", Amount: big.NewInt(1000)}}, GasLimit: 300000},
		PollInterval:  time.Millisecond,
		PollAttempts:  2,
	}, logging.Discard())
	require.NoError(t, err)
	return a, crypto.CompressPubkey(&key.PublicKey)
}

func TestNewArbiter_Disabled(t *testing.T) {
	_, err := NewArbiter(NewClient("http://localhost"), ArbiterConfig{}, nil)
	assert.ErrorIs(t, err, ErrArbiterDisabled)

	_, err = NewArbiter(NewClient("http://localhost"), ArbiterConfig{PrivateKeyHex: "zz"}, nil)
	assert.Error(t, err)
}

func TestArbiter_ReleaseEscrow_SignsAndBroadcasts(t *testing.T) {
	node := &fakeNode{}
	a, pub := newTestArbiter(t, node)

	tx, err := a.ReleaseEscrow(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, settleTxHash, tx.Hash)
	require.NotEmpty(t, node.last())

	raw := parseFields(t, node.last())
	require.Len(t, raw, 3)
	body, authInfo, sig := raw[0].bytes, raw[1].bytes, raw[2].bytes
	require.Len(t, sig, 64)

	signDoc := encodeSignDoc(body, authInfo, testChainID, 3)
	digest := sha256.Sum256(signDoc)
	assert.True(t, crypto.VerifySignature(pub, digest[:], sig))

	msgAny := parseFields(t, parseFields(t, body)[0].bytes)
	exec := parseFields(t, msgAny[1].bytes)
	assert.Equal(t, arbiterAddr, string(exec[0].bytes))
	assert.Equal(t, escrowAddr, string(exec[1].bytes))
	assert.JSONEq(t, `{"approve":{"id":"inv-1"}}`, string(exec[2].bytes))

	signer := parseFields(t, parseFields(t, authInfo)[0].bytes)
	assert.Equal(t, uint64(11), signer[2].varint)
}

func TestArbiter_RetriesWrongSequence(t *testing.T) {
	node := &fakeNode{rejectFirst: codeWrongSequence}
	a, _ := newTestArbiter(t, node)

	_, err := a.RefundEscrow(context.Background(), "inv-2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), node.broadcasts.Load())
}

func TestArbiter_CheckTxRejection(t *testing.T) {
	node := &fakeNode{rejectFirst: 13}
	a, _ := newTestArbiter(t, node)

	_, err := a.RefundEscrow(context.Background(), "inv-3")
	assert.ErrorIs(t, err, ErrTxRejected)
	assert.Equal(t, int32(1), node.broadcasts.Load())
}

func TestArbiter_FailedDeliverTx(t *testing.T) {
	node := &fakeNode{txCode: 5}
	a, _ := newTestArbiter(t, node)

	_, err := a.ReleaseEscrow(context.Background(), "inv-4")
	assert.ErrorIs(t, err, ErrTxRejected)
}
