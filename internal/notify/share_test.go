package notify

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payxpay/payxpay/internal/invoice"
	"github.com/payxpay/payxpay/internal/telegram"
)

type fakeSaver struct {
	userID   int64
	articles []telegram.InlineQueryResultArticle
	fail     []error
}

func (f *fakeSaver) SavePreparedInlineMessage(_ context.Context, userID int64, article telegram.InlineQueryResultArticle) (*telegram.PreparedInlineMessage, error) {
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return nil, err
	}
	f.userID = userID
	f.articles = append(f.articles, article)
	return &telegram.PreparedInlineMessage{ID: "prep-1", ExpirationDate: 1767312000}, nil
}

func newSharer(s *fakeSaver) *Sharer {
	return NewSharer(s, "PayxPayBot", Config{RetryDelay: time.Millisecond})
}

func TestPrepareShare_SavesCardForIssuer(t *testing.T) {
	s := &fakeSaver{}
	before := counter(t, "invoice_share", "sent")
	rec := record(invoice.PaymentDirect, nil)
	rec.Payment = nil

	share, err := newSharer(s).PrepareShare(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, invoice.PreparedShare{ID: "prep-1", ExpiresAt: 1767312000}, share)
	assert.Equal(t, issuerID, s.userID)
	assert.Equal(t, before+1, counter(t, "invoice_share", "sent"))

	require.Len(t, s.articles, 1)
	card := s.articles[0]
	assert.Equal(t, "article", card.Type)
	assert.NotEmpty(t, card.ID)
	assert.Equal(t, "Payment link", card.Title)
	assert.Equal(t, telegram.ParseModeHTML, card.InputMessageContent.ParseMode)

	text := card.InputMessageContent.MessageText
	assert.Contains(t, text, `You received an invoice from <b><a href="tg://user?id=1001">Ayşe</a> (@ayse)</b>.`)
	assert.Contains(t, text, "<b>Amount:</b> <code>150.5 $TRY</code>")
	assert.Contains(t, text, "<b>Description:</b> <code>Desk &lt;lamp&gt; &amp; shade</code>")
	assert.Contains(t, text, `<a href="https://t.me/PayxPayBot?start=invoice=`+rec.ID+`">Click here</a> to complete your payment.`)
}

func TestPrepareShare_RetriesServerErrors(t *testing.T) {
	s := &fakeSaver{fail: []error{&telegram.APIError{Status: http.StatusBadGateway, Code: 502}}}

	share, err := newSharer(s).PrepareShare(context.Background(), record(invoice.PaymentDirect, nil))
	require.NoError(t, err)
	assert.Equal(t, "prep-1", share.ID)
	assert.Len(t, s.articles, 1)
}

func TestPrepareShare_ClientErrorIsFinal(t *testing.T) {
	s := &fakeSaver{fail: []error{
		&telegram.APIError{Status: http.StatusBadRequest, Code: 400, Description: "Bad Request: USER_ID_INVALID"},
		&telegram.APIError{Status: http.StatusBadRequest, Code: 400},
	}}
	before := counter(t, "invoice_share", "failed")

	_, err := newSharer(s).PrepareShare(context.Background(), record(invoice.PaymentDirect, nil))
	var apiErr *telegram.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Code)
	assert.Empty(t, s.articles)
	assert.Len(t, s.fail, 1, "client errors are not retried")
	assert.Equal(t, before+1, counter(t, "invoice_share", "failed"))
}
