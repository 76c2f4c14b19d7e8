package xion

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Type URLs of the messages packed into Any.
const (
	typeMsgExecuteContract = "/cosmwasm.wasm.v1.MsgExecuteContract"
	typeSecp256k1PubKey    = "/cosmos.crypto.secp256k1.PubKey"
)

// signModeDirect is cosmos.tx.signing.v1beta1.SignMode SIGN_MODE_DIRECT.
const signModeDirect = 1

// The encoders below emit the proto3 wire format of the Cosmos SDK tx
// messages field by field. Zero scalars are omitted as proto3 requires, so
// the sign doc bytes match what the chain recomputes.

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendMessageField always emits the field, even for an empty message.
func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// encodeAny packs google.protobuf.Any{type_url=1, value=2}.
func encodeAny(typeURL string, value []byte) []byte {
	var b []byte
	b = appendStringField(b, 1, typeURL)
	return appendBytesField(b, 2, value)
}

// encodeCoin packs cosmos.base.v1beta1.Coin{denom=1, amount=2}.
func encodeCoin(c Coin) []byte {
	var b []byte
	b = appendStringField(b, 1, c.Denom)
	amount := "0"
	if c.Amount != nil {
		amount = c.Amount.String()
	}
	return appendStringField(b, 2, amount)
}

// encodeMsgExecuteContract packs cosmwasm.wasm.v1.MsgExecuteContract
// {sender=1, contract=2, msg=3, funds=5}.
func encodeMsgExecuteContract(sender, contract string, msg []byte, funds []Coin) []byte {
	var b []byte
	b = appendStringField(b, 1, sender)
	b = appendStringField(b, 2, contract)
	b = appendBytesField(b, 3, msg)
	for _, c := range funds {
		b = appendMessageField(b, 5, encodeCoin(c))
	}
	return b
}

// encodeTxBody packs cosmos.tx.v1beta1.TxBody{messages=1, memo=2}.
func encodeTxBody(messages [][]byte, memo string) []byte {
	var b []byte
	for _, m := range messages {
		b = appendMessageField(b, 1, m)
	}
	return appendStringField(b, 2, memo)
}

// encodeSignerInfo packs SignerInfo{public_key=1, mode_info=2, sequence=3}
// for a single secp256k1 signer in SIGN_MODE_DIRECT.
func encodeSignerInfo(compressedPubKey []byte, sequence uint64) []byte {
	pubKey := appendBytesField(nil, 1, compressedPubKey)
	single := appendVarintField(nil, 1, signModeDirect)
	modeInfo := appendMessageField(nil, 1, single)

	var b []byte
	b = appendMessageField(b, 1, encodeAny(typeSecp256k1PubKey, pubKey))
	b = appendMessageField(b, 2, modeInfo)
	return appendVarintField(b, 3, sequence)
}

// Fee is the fee paid for a tx.
type Fee struct {
	Amount   []Coin
	GasLimit uint64
	Payer    string
	Granter  string
}

// encodeFee packs Fee{amount=1, gas_limit=2, payer=3, granter=4}.
func encodeFee(f Fee) []byte {
	var b []byte
	for _, c := range f.Amount {
		b = appendMessageField(b, 1, encodeCoin(c))
	}
	b = appendVarintField(b, 2, f.GasLimit)
	b = appendStringField(b, 3, f.Payer)
	return appendStringField(b, 4, f.Granter)
}

// encodeAuthInfo packs AuthInfo{signer_infos=1, fee=2}.
func encodeAuthInfo(signerInfo []byte, fee Fee) []byte {
	var b []byte
	b = appendMessageField(b, 1, signerInfo)
	return appendMessageField(b, 2, encodeFee(fee))
}

// encodeSignDoc packs SignDoc{body_bytes=1, auth_info_bytes=2, chain_id=3, account_number=4}.
func encodeSignDoc(body, authInfo []byte, chainID string, accountNumber uint64) []byte {
	var b []byte
	b = appendBytesField(b, 1, body)
	b = appendBytesField(b, 2, authInfo)
	b = appendStringField(b, 3, chainID)
	return appendVarintField(b, 4, accountNumber)
}

// encodeTxRaw packs TxRaw{body_bytes=1, auth_info_bytes=2, signatures=3}.
func encodeTxRaw(body, authInfo []byte, signatures ...[]byte) []byte {
	var b []byte
	b = appendBytesField(b, 1, body)
	b = appendBytesField(b, 2, authInfo)
	for _, sig := range signatures {
		b = appendMessageField(b, 3, sig)
	}
	return b
}

// memoFor tags arbiter txs with the invoice they settle.
func memoFor(action, invoiceID string) string {
	return "payxpay:" + action + ":" + invoiceID
}
