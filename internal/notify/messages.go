package notify

import (
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/payxpay/payxpay/internal/invoice"
	"github.com/payxpay/payxpay/internal/telegram"
)

// DefaultExplorerURL is the Xion testnet explorer.
const DefaultExplorerURL = "https://testnet.xion.explorers.guru"

// links renders message bodies and the buttons under them.
type links struct {
	app      string
	explorer string
}

func (l links) transaction(hash string) string {
	return strings.TrimRight(l.explorer, "/") + "/transaction/" + url.PathEscape(hash)
}

func (l links) account(address string) string {
	return strings.TrimRight(l.explorer, "/") + "/account/" + url.PathEscape(address)
}

// page opens a Mini-App page for one invoice.
func (l links) page(path, invoiceID string, extra ...string) *telegram.WebAppInfo {
	if l.app == "" {
		return nil
	}
	q := url.Values{"id": {invoiceID}}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return &telegram.WebAppInfo{URL: strings.TrimRight(l.app, "/") + path + "?" + q.Encode()}
}

func userLink(id int64) string {
	return "tg://user?id=" + strconv.FormatInt(id, 10)
}

func amountOf(inv invoice.Invoice) string {
	return html.EscapeString(inv.Amount.String() + " $" + inv.Symbol())
}

func issuerName(inv invoice.Invoice) string {
	name := inv.IssuerFirstName
	if inv.IssuerLastName != "" {
		name += " " + inv.IssuerLastName
	}
	s := fmt.Sprintf(`<a href="%s">%s</a>`, userLink(inv.IssuerID), html.EscapeString(name))
	if inv.IssuerHandle != "" {
		s += " (@" + html.EscapeString(inv.IssuerHandle) + ")"
	}
	return s
}

func invoiceDetails(inv invoice.Invoice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💰 <b>Amount:</b> <code>%s</code>\n", amountOf(inv))
	fmt.Fprintf(&b, "📜 <b>Description:</b> <code>%s</code>\n", html.EscapeString(inv.Description))
	fmt.Fprintf(&b, "🗓️ <b>Issued On:</b> <code>%s</code>\n", inv.IssuedAt().Format("2006-01-02"))
	fmt.Fprintf(&b, "🔗 <b>Invoice ID:</b> <code>%s</code>", html.EscapeString(inv.ID))
	return b.String()
}

// keyboard drops buttons that could not be built and empty rows.
func keyboard(rows ...[]telegram.InlineKeyboardButton) *telegram.InlineKeyboardMarkup {
	var out [][]telegram.InlineKeyboardButton
	for _, row := range rows {
		var kept []telegram.InlineKeyboardButton
		for _, b := range row {
			if b.URL != "" || b.WebApp != nil {
				kept = append(kept, b)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: out}
}

func message(chatID int64, text string, markup *telegram.InlineKeyboardMarkup) telegram.Message {
	return telegram.Message{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             telegram.ParseModeHTML,
		DisableWebPagePreview: true,
		ReplyMarkup:           markup,
	}
}

// shareCard is the invoice card an issuer forwards to the payer.
func shareCard(inv invoice.Invoice, link string) telegram.InlineQueryResultArticle {
	var b strings.Builder
	fmt.Fprintf(&b, "You received an invoice from <b>%s</b>.\n\n", issuerName(inv))
	fmt.Fprintf(&b, "<b>Amount:</b> <code>%s</code>\n", amountOf(inv))
	fmt.Fprintf(&b, "<b>Description:</b> <code>%s</code>\n\n", html.EscapeString(inv.Description))
	fmt.Fprintf(&b, `<a href="%s">Click here</a> to complete your payment.`, html.EscapeString(link))

	return telegram.InlineQueryResultArticle{
		Type:        "article",
		ID:          uuid.NewString(),
		Title:       "Payment link",
		Description: "Choose the recipient of the invoice",
		InputMessageContent: telegram.InputTextMessageContent{
			MessageText: b.String(),
			ParseMode:   telegram.ParseModeHTML,
		},
	}
}

func (l links) paymentRecorded(rec *invoice.Record) telegram.Message {
	inv := rec.Invoice.Invoice
	var b strings.Builder
	b.WriteString("💸 <b>Invoice Paid</b>\n\n")
	if rec.Payment.Mode == invoice.PaymentEscrow {
		b.WriteString("The payer sent the amount to escrow. Deliver the invoice item(s), then <b>confirm</b> the payment so the payer can release the funds.\n\n")
	} else {
		b.WriteString("The payment was sent directly to your payout address.\n\n")
	}
	b.WriteString("<b>Invoice Details:</b>\n")
	b.WriteString(invoiceDetails(inv))

	return message(inv.IssuerID, b.String(), keyboard(
		[]telegram.InlineKeyboardButton{
			{Text: "View Transaction 🔍", URL: l.transaction(rec.Payment.TxRef)},
			{Text: "Chat with payer 💬", URL: userLink(rec.Payment.PayerID)},
		},
		[]telegram.InlineKeyboardButton{
			{Text: "Open Invoice", WebApp: l.page("/invoice", rec.ID)},
		},
	))
}

func (l links) paymentConfirmed(rec *invoice.Record) telegram.Message {
	inv := rec.Invoice.Invoice
	var b strings.Builder
	b.WriteString("<b>✅ Payment Confirmed by Issuer</b>\n")
	b.WriteString("The issuer has confirmed the escrowed amount and sent the invoice item. If you have received the item, please <b>approve the escrow.</b>\n\n")
	b.WriteString("<b>⚠️ Important:</b>\n")
	b.WriteString("🔴 <b>Only approve</b> the escrow if you have received the item as described.\n")
	b.WriteString("🔴 <b>If you have not received</b> the item or there is an issue, reject the escrow and give a detailed reason.\n\n")
	b.WriteString(invoiceDetails(inv))

	return message(rec.Payment.PayerID, b.String(), keyboard(
		[]telegram.InlineKeyboardButton{
			{Text: "Approve ✅", WebApp: l.page("/invoice", rec.ID, "action", "approve")},
			{Text: "Reject ❌", WebApp: l.page("/invoice", rec.ID, "action", "reject")},
		},
		[]telegram.InlineKeyboardButton{
			{Text: "Chat with Issuer 💬", URL: userLink(inv.IssuerID)},
		},
	))
}

func (l links) escrowApproved(rec *invoice.Record) telegram.Message {
	inv := rec.Invoice.Invoice
	var b strings.Builder
	b.WriteString("🎉 <b>Payment Received!</b> 🎉\n\n")
	b.WriteString("The payer approved the escrow and the funds were released to you.\n\n")
	b.WriteString("<b>Invoice Details:</b>\n")
	b.WriteString(invoiceDetails(inv))
	b.WriteString("\n\n<b>Transaction Details:</b>\n")
	fmt.Fprintf(&b, "🏦 <b>Paid To:</b> %s\n", issuerName(inv))
	fmt.Fprintf(&b, "📍 <b>Account:</b> <a href=\"%s\">%s</a>\n\n",
		html.EscapeString(l.account(inv.PayoutAddress)), html.EscapeString(inv.PayoutAddress))
	b.WriteString("🔔 Please check your account balance to confirm receipt.")

	return message(inv.IssuerID, b.String(), keyboard(
		[]telegram.InlineKeyboardButton{
			{Text: "View Transaction Details 🔍", URL: l.transaction(rec.Payout.TxRef)},
		},
	))
}

func (l links) escrowRejected(rec *invoice.Record) telegram.Message {
	inv := rec.Invoice.Invoice
	var b strings.Builder
	b.WriteString("🚨 <b>Escrow Rejected by Payer</b>\n\n")
	b.WriteString("The payer has rejected the escrow payment for your invoice with the following reason:\n")
	fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n\n", html.EscapeString(rec.Payout.RejectionReason))
	b.WriteString("<b>Invoice Details</b>\n")
	fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n\n", invoiceDetails(inv))
	b.WriteString("⚠️ <b>Important Information</b>\n")
	b.WriteString("The funds are still held by the escrow contract and have not been refunded to the payer. ")
	b.WriteString("You can ask the payer to return the invoice item(s) or settle with them directly.")

	return message(inv.IssuerID, b.String(), keyboard(
		[]telegram.InlineKeyboardButton{
			{Text: "Chat with payer 💬", URL: userLink(rec.Payment.PayerID)},
			{Text: "Open History", WebApp: l.page("/history", rec.ID)},
		},
	))
}

func (l links) escrowRefundedIssuer(rec *invoice.Record) telegram.Message {
	inv := rec.Invoice.Invoice
	var b strings.Builder
	b.WriteString("↩️ <b>Escrow Refunded</b>\n\n")
	b.WriteString("The payer withdrew the escrowed payment before you confirmed it. The invoice is closed.\n\n")
	b.WriteString(invoiceDetails(inv))

	return message(inv.IssuerID, b.String(), keyboard(
		[]telegram.InlineKeyboardButton{
			{Text: "View Transaction 🔍", URL: l.transaction(rec.Payout.TxRef)},
			{Text: "Chat with payer 💬", URL: userLink(rec.Payment.PayerID)},
		},
	))
}

func (l links) escrowRefundedPayer(rec *invoice.Record) telegram.Message {
	inv := rec.Invoice.Invoice
	var b strings.Builder
	b.WriteString("↩️ <b>Refund Sent</b>\n\n")
	fmt.Fprintf(&b, "Your escrowed payment for the invoice from %s was returned", issuerName(inv))
	if rec.Payment.PayerAddress != "" {
		fmt.Fprintf(&b, " to <code>%s</code>", html.EscapeString(rec.Payment.PayerAddress))
	}
	b.WriteString(".\n\n")
	b.WriteString(invoiceDetails(inv))

	return message(rec.Payment.PayerID, b.String(), keyboard(
		[]telegram.InlineKeyboardButton{
			{Text: "View Transaction 🔍", URL: l.transaction(rec.Payout.TxRef)},
		},
	))
}
