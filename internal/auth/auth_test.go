package auth

import (
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"
)

func TestVerifyIPNRoundTrip(t *testing.T) {
	body := []byte(`{"payment_id": "123", "payment_status": "finished", "actually_paid": 0.002}`)
	sig, err := SignIPN(body, "secret-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyIPN(body, sig, "secret-1"); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestVerifyIPNIgnoresWhitespaceAndKeyOrder(t *testing.T) {
	// The provider signs the canonical form; a re-ordered, re-spaced body
	// with the same content must verify against the same signature.
	a := []byte(`{"b":2,"a":1}`)
	b := []byte(`{ "a": 1, "b": 2 }`)
	sig, err := SignIPN(a, "s")
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyIPN(b, sig, "s"); err != nil {
		t.Errorf("canonically equal body rejected: %v", err)
	}
}

func TestVerifyIPNRejects(t *testing.T) {
	body := []byte(`{"payment_id":"123"}`)
	sig, err := SignIPN(body, "secret-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := VerifyIPN(body, sig, "other-secret"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong secret: err = %v", err)
	}
	if err := VerifyIPN([]byte(`{"payment_id":"456"}`), sig, "secret-1"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered body: err = %v", err)
	}
	if err := VerifyIPN(body, "", "secret-1"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("missing signature: err = %v", err)
	}
}

func initValues(authedAt time.Time) url.Values {
	v := url.Values{}
	v.Set("user", `{"id":42,"username":"buyer","language_code":"de"}`)
	v.Set("auth_date", fmt.Sprintf("%d", authedAt.Unix()))
	v.Set("query_id", "q1")
	return v
}

func TestVerifyInitData(t *testing.T) {
	token := "123:abc"
	v := initValues(time.Now())
	v.Set("hash", SignInitData(v, token))

	id, err := VerifyInitData(v.Encode(), token, time.Hour)
	if err != nil {
		t.Fatalf("VerifyInitData: %v", err)
	}
	if id.UserID != 42 || id.Username != "buyer" || id.Language != "de" {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyInitDataRejectsTampering(t *testing.T) {
	token := "123:abc"
	v := initValues(time.Now())
	v.Set("hash", SignInitData(v, token))
	v.Set("user", `{"id":43}`) // swap identity after signing

	if _, err := VerifyInitData(v.Encode(), token, time.Hour); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifyInitDataRejectsWrongToken(t *testing.T) {
	v := initValues(time.Now())
	v.Set("hash", SignInitData(v, "123:abc"))

	if _, err := VerifyInitData(v.Encode(), "999:zzz", time.Hour); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifyInitDataFreshness(t *testing.T) {
	token := "123:abc"
	v := initValues(time.Now().Add(-2 * time.Hour))
	v.Set("hash", SignInitData(v, token))

	if _, err := VerifyInitData(v.Encode(), token, time.Hour); !errors.Is(err, ErrBadSignature) {
		t.Errorf("stale init data accepted: %v", err)
	}
	// maxAge 0 disables the check.
	if _, err := VerifyInitData(v.Encode(), token, 0); err != nil {
		t.Errorf("freshness check not disabled: %v", err)
	}
}
