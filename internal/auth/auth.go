// Package auth verifies the two inbound trust boundaries: payment
// provider callbacks (HMAC-SHA512 over the canonicalised JSON body) and
// mini-app browse requests (HMAC-SHA256 over the platform init data).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
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

// ErrBadSignature is returned when a signature check fails.
var ErrBadSignature = errors.New("auth: signature mismatch")

// VerifyIPN checks a provider callback signature. The provider signs the
// JSON body re-serialised with alphabetically sorted keys and no
// insignificant whitespace; we canonicalise the same way before HMACing.
func VerifyIPN(body []byte, signature, secret string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", ErrBadSignature)
	}
	canonical, err := canonicalJSON(body)
	if err != nil {
		return fmt.Errorf("auth: canonicalise callback: %w", err)
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// canonicalJSON re-encodes a JSON object with sorted keys and minimal
// separators. Go's encoding/json already sorts map keys and omits
// whitespace, so a decode/encode round trip is the canonical form.
func canonicalJSON(body []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// InitData is the authenticated identity extracted from mini-app init
// data.
type InitData struct {
	UserID   int64
	Username string
	Language string
	AuthedAt time.Time
}

// VerifyInitData validates platform mini-app init data against the bot
// token and returns the embedded identity. maxAge 0 disables the
// freshness check.
func VerifyInitData(raw, botToken string, maxAge time.Duration) (InitData, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return InitData{}, fmt.Errorf("auth: parse init data: %w", err)
	}
	gotHash := values.Get("hash")
	if gotHash == "" {
		return InitData{}, fmt.Errorf("%w: missing hash", ErrBadSignature)
	}
	values.Del("hash")

	// data_check_string: key=value pairs sorted by key, newline joined.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	checkString := strings.Join(pairs, "\n")

	// Secret key is HMAC("WebAppData", token); the hash is HMAC of the
	// check string under that key.
	keyMAC := hmac.New(sha256.New, []byte("WebAppData"))
	keyMAC.Write([]byte(botToken))
	secret := keyMAC.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(checkString))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(gotHash)), []byte(expected)) {
		return InitData{}, ErrBadSignature
	}

	var id InitData
	if authDate := values.Get("auth_date"); authDate != "" {
		secs, err := strconv.ParseInt(authDate, 10, 64)
		if err != nil {
			return InitData{}, fmt.Errorf("auth: parse auth_date: %w", err)
		}
		id.AuthedAt = time.Unix(secs, 0)
		if maxAge > 0 && time.Since(id.AuthedAt) > maxAge {
			return InitData{}, fmt.Errorf("%w: init data expired", ErrBadSignature)
		}
	}
	if userJSON := values.Get("user"); userJSON != "" {
		var u struct {
			ID           int64  `json:"id"`
			Username     string `json:"username"`
			LanguageCode string `json:"language_code"`
		}
		if err := json.Unmarshal([]byte(userJSON), &u); err != nil {
			return InitData{}, fmt.Errorf("auth: parse init data user: %w", err)
		}
		id.UserID = u.ID
		id.Username = u.Username
		id.Language = u.LanguageCode
	}
	if id.UserID == 0 {
		return InitData{}, fmt.Errorf("%w: no user in init data", ErrBadSignature)
	}
	return id, nil
}

// SignInitData produces a valid hash for the given values. Test helper
// and local tooling; the platform normally signs.
func SignInitData(values url.Values, botToken string) string {
	values.Del("hash")
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	keyMAC := hmac.New(sha256.New, []byte("WebAppData"))
	keyMAC.Write([]byte(botToken))
	mac := hmac.New(sha256.New, keyMAC.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignIPN produces a provider-style signature for a callback body.
// Test helper.
func SignIPN(body []byte, secret string) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
