package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"mealtrack/internal/config"
)

func TestDevTokens(t *testing.T) {
	v := NewVerifier(config.AuthConfig{Mode: "dev"})
	p, err := v.Verify("driver:drv_1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Role != "driver" || p.DriverID != "drv_1" {
		t.Fatalf("principal: %+v", p)
	}
	p, err = v.Verify("restaurant:r_9")
	if err != nil || p.RestaurantID != "r_9" {
		t.Fatalf("restaurant principal: %+v err=%v", p, err)
	}
	if _, err := v.Verify(""); err == nil {
		t.Fatal("empty token accepted")
	}
}

func signHS256(t *testing.T, secret []byte, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	head := enc(map[string]string{"alg": "HS256", "typ": "JWT"})
	body := enc(claims)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(head + "." + body))
	return head + "." + body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestHMACVerify(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier(config.AuthConfig{Mode: "hmac", HMACSecret: string(secret)})

	tok := signHS256(t, secret, map[string]any{"role": "driver", "driver_id": "drv_2"})
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Role != "driver" || p.DriverID != "drv_2" {
		t.Fatalf("principal: %+v", p)
	}

	// wrong secret fails
	bad := signHS256(t, []byte("other"), map[string]any{"role": "driver"})
	if _, err := v.Verify(bad); err == nil {
		t.Fatal("forged token accepted")
	}
	// missing role is rejected
	noRole := signHS256(t, secret, map[string]any{"driver_id": "x"})
	if _, err := v.Verify(noRole); err == nil {
		t.Fatal("token without role accepted")
	}
}

func TestExpiredToken(t *testing.T) {
	secret := []byte("s3cret")
	v := NewVerifier(config.AuthConfig{Mode: "hmac", HMACSecret: string(secret)})
	tok := signHS256(t, secret, map[string]any{"role": "admin", "exp": 1000})
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expired token accepted")
	}
}
