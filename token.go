package conveyor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Token purposes. A token signed for one purpose never verifies for another.
const (
	tokenPurposeWebhook = "webhook"
	tokenPurposeResume  = "resume"
)

// tokenClaims is the signed payload of a webhook or resume token.
type tokenClaims struct {
	Purpose   string `json:"p"`
	Subject   string `json:"sub"`
	Key       string `json:"key,omitempty"`
	Step      string `json:"step,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// tokenSigner issues and verifies HMAC-SHA256 signed bearer tokens. Tokens
// are stateless: base64url(claims JSON) + "." + base64url(signature).
type tokenSigner struct {
	secret []byte
}

func newTokenSigner(secret []byte) *tokenSigner {
	return &tokenSigner{secret: secret}
}

// randomSecret generates a process-local signing secret for deployments
// that did not configure one. Tokens signed with it do not verify across
// processes or restarts.
func randomSecret() []byte {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	return secret
}

// Sign encodes and signs the claims.
func (s *tokenSigner) Sign(claims tokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.signature(encoded), nil
}

// Verify checks the signature and expiry, returning the claims. Signature
// failures return ErrUnauthorized; a valid signature past its expiry
// returns ErrTokenExpired. Both fail closed.
func (s *tokenSigner) Verify(token, purpose string) (tokenClaims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return tokenClaims{}, ErrUnauthorized
	}
	if !hmac.Equal([]byte(s.signature(encoded)), []byte(sig)) {
		return tokenClaims{}, ErrUnauthorized
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return tokenClaims{}, ErrUnauthorized
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return tokenClaims{}, ErrUnauthorized
	}
	if claims.Purpose != purpose {
		return tokenClaims{}, ErrUnauthorized
	}
	if claims.ExpiresAt > 0 && time.Now().Unix() > claims.ExpiresAt {
		return tokenClaims{}, ErrTokenExpired
	}
	return claims, nil
}

func (s *tokenSigner) signature(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
