// Package telegram verifies Mini-App launch data and talks to the Bot API.
package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultInitDataTTL is how long a launch assertion stays usable.
const DefaultInitDataTTL = 15 * time.Minute

// maxFutureSkew tolerates clocks slightly ahead of ours.
const maxFutureSkew = time.Minute

var (
	ErrMissingHash = errors.New("init data has no hash")
	ErrMalformed   = errors.New("init data is malformed")
	ErrInvalidHash = errors.New("init data hash mismatch")
	ErrStale       = errors.New("init data is expired")
	ErrMissingUser = errors.New("init data has no user")
)

// User is the Telegram account that opened the Mini-App.
type User struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
	PhotoURL     string `json:"photo_url,omitempty"`
}

// Result is the outcome of verifying init data. Err names the reason when
// Valid is false.
type Result struct {
	Valid    bool
	User     *User
	AuthDate time.Time
	Err      error
}

// Verifier checks the HMAC Telegram attaches to Mini-App init data.
type Verifier struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier for the given bot token. A non-positive
// ttl selects DefaultInitDataTTL.
func NewVerifier(botToken string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = DefaultInitDataTTL
	}
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return &Verifier{secretKey: mac.Sum(nil), ttl: ttl, now: time.Now}
}

// TTL returns the assertion lifetime.
func (v *Verifier) TTL() time.Duration { return v.ttl }

// Verify checks the hash and freshness of initData and extracts the user.
func (v *Verifier) Verify(initData string) Result {
	initData = strings.TrimSpace(initData)
	if initData != "" && !strings.Contains(initData, "=") {
		unescaped, err := url.QueryUnescape(initData)
		if err != nil {
			return invalid(ErrMalformed)
		}
		initData = unescaped
	}

	fields, hash, err := parse(initData)
	if err != nil {
		return invalid(err)
	}
	if hash == "" {
		return invalid(ErrMissingHash)
	}

	if !hmac.Equal([]byte(v.sign(fields)), []byte(strings.ToLower(hash))) {
		return invalid(ErrInvalidHash)
	}

	authUnix, err := strconv.ParseInt(fields["auth_date"], 10, 64)
	if err != nil || authUnix <= 0 {
		return invalid(fmt.Errorf("%w: auth_date", ErrMalformed))
	}
	authDate := time.Unix(authUnix, 0).UTC()
	now := v.now()
	if now.Sub(authDate) > v.ttl || authDate.Sub(now) > maxFutureSkew {
		return Result{AuthDate: authDate, Err: ErrStale}
	}

	raw, ok := fields["user"]
	if !ok || raw == "" {
		return Result{AuthDate: authDate, Err: ErrMissingUser}
	}
	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return Result{AuthDate: authDate, Err: fmt.Errorf("%w: user: %v", ErrMalformed, err)}
	}
	if user.ID == 0 {
		return Result{AuthDate: authDate, Err: ErrMissingUser}
	}
	return Result{Valid: true, User: &user, AuthDate: authDate}
}

// Sign computes the hash Telegram would attach to fields. Test clients use
// it to mint launch data.
func (v *Verifier) Sign(fields map[string]string) string {
	return v.sign(fields)
}

func (v *Verifier) sign(fields map[string]string) string {
	pairs := make([]string, 0, len(fields))
	for k, val := range fields {
		pairs = append(pairs, k+"="+val)
	}
	sort.Strings(pairs)
	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// parse splits the query string, unescapes values and pulls out the hash.
func parse(initData string) (map[string]string, string, error) {
	if initData == "" {
		return nil, "", ErrMissingHash
	}
	fields := make(map[string]string)
	var hash string
	for _, part := range strings.Split(initData, "&") {
		if part == "" {
			continue
		}
		key, raw, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			return nil, "", ErrMalformed
		}
		val, err := url.QueryUnescape(raw)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s", ErrMalformed, key)
		}
		if key == "hash" {
			hash = val
			continue
		}
		fields[key] = val
	}
	return fields, hash, nil
}

func invalid(err error) Result {
	return Result{Err: err}
}
