// Package auth verifies bearer credentials presented on gateway connections.
// Token issuance belongs to the surrounding platform; this package only checks
// that a previously issued credential is structurally valid, matches a stored
// record, and has not expired.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rivergate/internal/models"
)

// AuthError classifies verification failures. Every failure is fatal to the
// connection attempt; the gateway never retries on behalf of the client.
var (
	// ErrTokenMissing indicates the handshake carried no credential at all.
	ErrTokenMissing = errors.New("bearer token missing")
	// ErrTokenInvalid indicates the credential failed structure or digest checks.
	ErrTokenInvalid = errors.New("bearer token invalid")
	// ErrTokenExpired indicates the credential is past its validity window.
	ErrTokenExpired = errors.New("bearer token expired")
	// ErrInvalidUserID is returned when issuing a token without a user identifier.
	ErrInvalidUserID = errors.New("userID is required")
)

// Reason maps a verification error onto the stable wire code reported to
// rejected clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return "missing"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	default:
		return "invalid"
	}
}

// TokenStore defines the persistence contract for issued bearer tokens.
type TokenStore interface {
	Save(record TokenRecord) error
	Get(tokenID string) (TokenRecord, bool, error)
	Delete(tokenID string) error
	PurgeExpired(now time.Time) error
}

// VerifierOption configures a Verifier instance.
type VerifierOption func(*Verifier)

// WithGrace accepts tokens for the given duration past their recorded expiry,
// absorbing clock skew between the issuing system and the gateway.
func WithGrace(grace time.Duration) VerifierOption {
	return func(v *Verifier) {
		if grace > 0 {
			v.grace = grace
		}
	}
}

// Verifier validates raw bearer tokens against a backing store. It holds no
// mutable state of its own and is safe for concurrent use from every
// connection handler.
type Verifier struct {
	store TokenStore
	grace time.Duration
}

// NewVerifier constructs a Verifier over the provided token store.
func NewVerifier(store TokenStore, opts ...VerifierOption) *Verifier {
	v := &Verifier{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if v.store == nil {
		v.store = NewMemoryTokenStore()
	}
	return v
}

// Verify resolves the raw bearer form into the principal it was issued to.
// The result is a pure function of the token, the store contents, and now.
func (v *Verifier) Verify(rawToken string, now time.Time) (models.Principal, error) {
	trimmed := strings.TrimSpace(rawToken)
	if trimmed == "" {
		return models.Principal{}, ErrTokenMissing
	}
	id, secret, ok := splitToken(trimmed)
	if !ok {
		return models.Principal{}, ErrTokenInvalid
	}
	record, found, err := v.store.Get(id)
	if err != nil {
		return models.Principal{}, err
	}
	if !found {
		return models.Principal{}, ErrTokenInvalid
	}
	if err := verifySecret(record.SecretDigest, secret); err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			return models.Principal{}, ErrTokenInvalid
		}
		return models.Principal{}, err
	}
	if now.After(record.ExpiresAt.Add(v.grace)) {
		return models.Principal{}, ErrTokenExpired
	}
	principal := models.Principal{UserID: record.UserID, DisplayName: record.DisplayName}
	if principal.DisplayName == "" {
		principal.DisplayName = principal.UserID
	}
	return principal, nil
}

// PurgeExpired removes expired token records from the backing store.
func (v *Verifier) PurgeExpired() error {
	return v.store.PurgeExpired(time.Now())
}

// TokenFromRequest extracts the bearer credential from whichever transport
// location the client used. WebSocket handshakes cannot always set an
// Authorization header, so the access_token query parameter and the session
// cookie are accepted as side channels; all locations feed the same
// verification path.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie("rivergate_token"); err == nil {
		return cookie.Value
	}
	return ""
}
