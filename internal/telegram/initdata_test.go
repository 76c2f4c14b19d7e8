package telegram

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testUser = `{"id":279058397,"first_name":"Vladislav","last_name":"Kibenko","username":"vdkfrost","language_code":"ru","is_premium":true}`

func newTestVerifier() *Verifier {
	v := NewVerifier("7342037359:AAHI25ES9xCOMPWYWjSyjcHW5DD0gmNnn1s", 0)
	v.now = func() time.Time { return now }
	return v
}

// mint builds init data the way the Telegram client does.
func mint(v *Verifier, fields map[string]string) string {
	q := url.Values{}
	for k, val := range fields {
		q.Set(k, val)
	}
	q.Set("hash", v.Sign(fields))
	return q.Encode()
}

func baseFields(authDate time.Time) map[string]string {
	return map[string]string{
		"auth_date":     strconv.FormatInt(authDate.Unix(), 10),
		"query_id":      "AAHdF6IQAAAAAN0XohDhrOrc",
		"user":          testUser,
		"chat_instance": "-3788475317572404878",
		"chat_type":     "private",
		"signature":     "6fbdaab833d39f54518bd5c3eb3f511d",
	}
}

func TestVerifyValid(t *testing.T) {
	v := newTestVerifier()
	res := v.Verify(mint(v, baseFields(now.Add(-time.Minute))))

	require.True(t, res.Valid, "err: %v", res.Err)
	require.NotNil(t, res.User)
	assert.Equal(t, int64(279058397), res.User.ID)
	assert.Equal(t, "Vladislav", res.User.FirstName)
	assert.Equal(t, "vdkfrost", res.User.Username)
	assert.True(t, res.User.IsPremium)
	assert.Equal(t, now.Add(-time.Minute), res.AuthDate)
}

func TestVerifyDeterministic(t *testing.T) {
	v := newTestVerifier()
	data := mint(v, baseFields(now))
	first := v.Verify(data)
	second := v.Verify(data)
	assert.Equal(t, first, second)
}

func TestVerifyDoubleEncoded(t *testing.T) {
	v := newTestVerifier()
	data := mint(v, baseFields(now))
	res := v.Verify(url.QueryEscape(data))
	assert.True(t, res.Valid, "err: %v", res.Err)
}

func TestVerifyTamperedField(t *testing.T) {
	v := newTestVerifier()
	fields := baseFields(now)
	hash := v.Sign(fields)
	fields["user"] = strings.Replace(testUser, "279058397", "279058398", 1)

	q := url.Values{}
	for k, val := range fields {
		q.Set(k, val)
	}
	q.Set("hash", hash)

	res := v.Verify(q.Encode())
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, ErrInvalidHash)
	assert.Nil(t, res.User)
}

func TestVerifyWrongBotToken(t *testing.T) {
	v := newTestVerifier()
	other := NewVerifier("another:token", 0)
	other.now = v.now

	res := other.Verify(mint(v, baseFields(now)))
	assert.ErrorIs(t, res.Err, ErrInvalidHash)
}

func TestVerifyFreshness(t *testing.T) {
	v := newTestVerifier()
	tests := []struct {
		name     string
		authDate time.Time
		valid    bool
	}{
		{"just issued", now, true},
		{"at ttl", now.Add(-DefaultInitDataTTL), true},
		{"past ttl", now.Add(-DefaultInitDataTTL - time.Second), false},
		{"within future skew", now.Add(30 * time.Second), true},
		{"beyond future skew", now.Add(2 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Verify(mint(v, baseFields(tt.authDate)))
			assert.Equal(t, tt.valid, res.Valid)
			if !tt.valid {
				assert.ErrorIs(t, res.Err, ErrStale)
			}
		})
	}
}

func TestVerifyRejects(t *testing.T) {
	v := newTestVerifier()

	noUser := baseFields(now)
	delete(noUser, "user")

	badUser := baseFields(now)
	badUser["user"] = "{not json"

	noAuthDate := baseFields(now)
	delete(noAuthDate, "auth_date")

	tests := []struct {
		name string
		data string
		want error
	}{
		{"empty", "", ErrMissingHash},
		{"no hash", "auth_date=1&user=%7B%7D", ErrMissingHash},
		{"garbage", "%zz", ErrMalformed},
		{"bad pair", "auth_date&hash=00", ErrMalformed},
		{"hash mismatch", "auth_date=1&hash=" + strings.Repeat("0", 64), ErrInvalidHash},
		{"no user", mint(v, noUser), ErrMissingUser},
		{"bad user", mint(v, badUser), ErrMalformed},
		{"no auth date", mint(v, noAuthDate), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Verify(tt.data)
			assert.False(t, res.Valid)
			assert.ErrorIs(t, res.Err, tt.want)
		})
	}
}

func TestNewVerifierDefaults(t *testing.T) {
	assert.Equal(t, DefaultInitDataTTL, NewVerifier("t", 0).TTL())
	assert.Equal(t, time.Minute, NewVerifier("t", time.Minute).TTL())
}
