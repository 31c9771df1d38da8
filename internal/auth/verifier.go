// Package auth provides bearer token verification for the delivery API.
package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"mealtrack/internal/config"
)

// Verifier validates bearer tokens and extracts the caller's role and
// entity bindings. Modes: dev (unsigned role:id tokens), hmac (HS256),
// jwks (RS256 keys fetched from a JWKS URL).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	JWKSURL    string
	http       *http.Client
	mu         sync.RWMutex
	jwks       jwks
	lastFetch  time.Time
	cacheTTL   time.Duration
}

type jwks struct {
	Keys []jwk `json:"keys"`
}
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// Principal is the authenticated caller. Role is one of admin, restaurant,
// driver, customer; RestaurantID/DriverID bind restaurant and driver tokens
// to their own records.
type Principal struct {
	Role         string
	RestaurantID string
	DriverID     string
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

var ErrInvalidToken = errors.New("invalid bearer token")

func NewVerifier(cfg config.AuthConfig) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{
		Mode:       mode,
		HMACSecret: []byte(cfg.HMACSecret),
		JWKSURL:    cfg.JWKSURL,
		http:       &http.Client{Timeout: 5 * time.Second},
		cacheTTL:   10 * time.Minute,
	}
}

// Verify parses and validates a bearer token.
func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		// token format: role[:entityId], e.g. "driver:drv_1", "restaurant:r_9"
		parts := strings.Split(token, ":")
		p := Principal{Role: parts[0]}
		if len(parts) > 1 {
			switch p.Role {
			case "driver":
				p.DriverID = parts[1]
			case "restaurant":
				p.RestaurantID = parts[1]
			}
		}
		if p.Role == "" {
			return Principal{}, ErrInvalidToken
		}
		return p, nil
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, ErrInvalidToken
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, err
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, err
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, err
	}
	var hdr map[string]any
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return Principal{}, err
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Principal{}, err
	}
	alg, _ := hdr["alg"].(string)
	kid, _ := hdr["kid"].(string)
	signingInput := []byte(segs[0] + "." + segs[1])
	switch v.Mode {
	case "hmac":
		if alg != "HS256" {
			return Principal{}, errors.New("unsupported alg for hmac")
		}
		mac := hmac.New(sha256.New, v.HMACSecret)
		mac.Write(signingInput)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return Principal{}, ErrInvalidToken
		}
	case "jwks":
		if alg != "RS256" {
			return Principal{}, errors.New("unsupported alg for jwks")
		}
		key, err := v.keyFor(kid)
		if err != nil {
			return Principal{}, err
		}
		h := sha256.Sum256(signingInput)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, h[:], sig); err != nil {
			return Principal{}, ErrInvalidToken
		}
	default:
		return Principal{}, errors.New("unknown auth mode: " + v.Mode)
	}
	if exp, ok := claims["exp"].(float64); ok && time.Now().Unix() > int64(exp) {
		return Principal{}, errors.New("token expired")
	}
	p := Principal{}
	if s, ok := claims["role"].(string); ok {
		p.Role = s
	}
	if s, ok := claims["restaurant_id"].(string); ok {
		p.RestaurantID = s
	}
	if s, ok := claims["driver_id"].(string); ok {
		p.DriverID = s
	}
	if p.Role == "" {
		return Principal{}, errors.New("token missing role claim")
	}
	return p, nil
}

// keyFor resolves an RSA public key from the cached JWKS, refetching once
// the cache TTL lapses or the kid is unknown.
func (v *Verifier) keyFor(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	k, fresh := v.lookup(kid), time.Since(v.lastFetch) < v.cacheTTL
	v.mu.RUnlock()
	if k == nil && !fresh {
		if err := v.refetch(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		k = v.lookup(kid)
		v.mu.RUnlock()
	}
	if k == nil {
		return nil, errors.New("no matching JWKS key")
	}
	return k, nil
}

func (v *Verifier) lookup(kid string) *rsa.PublicKey {
	for _, k := range v.jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		if kid != "" && k.Kid != kid {
			continue
		}
		nb, err := b64urlDecode(k.N)
		if err != nil {
			continue
		}
		eb, err := b64urlDecode(k.E)
		if err != nil {
			continue
		}
		e := 0
		for _, b := range eb {
			e = e<<8 | int(b)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}
	}
	return nil
}

func (v *Verifier) refetch() error {
	if v.JWKSURL == "" {
		return errors.New("jwks url not configured")
	}
	resp, err := v.http.Get(v.JWKSURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}
	v.mu.Lock()
	v.jwks = set
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}

func b64urlDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
