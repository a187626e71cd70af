// Package identity verifies signed Google ID tokens and resolves a
// stable user id from the verified claims. Decoding a token without
// signature verification is deliberately not offered.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
)

// googleJWKSURL serves Google's current ID token signing keys.
const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// googleIssuers lists both issuer spellings Google uses.
var googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// Claims are the ID token claims this layer cares about.
type Claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`

	jwt.RegisteredClaims
}

// Identity is a resolved user identity. Verified is false only on the
// best-effort fallback path, so callers can distinguish strongly
// identified users from pseudo-identities.
type Identity struct {
	UserID   string
	Email    string
	Verified bool
}

// Verifier checks ID token signatures against the issuer's published
// keys and validates issuer, audience, and expiry.
type Verifier struct {
	keyfunc jwt.Keyfunc
	issuers []string
	logger  *slog.Logger

	now func() time.Time
}

// NewVerifier builds a verifier backed by Google's JWKS endpoint. The
// key set refreshes itself in the background until ctx is cancelled.
func NewVerifier(ctx context.Context, logger *slog.Logger) (*Verifier, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{googleJWKSURL})
	if err != nil {
		return nil, fmt.Errorf("fetching Google JWKS: %w", err)
	}

	return NewVerifierWithKeyfunc(kf.Keyfunc, logger), nil
}

// NewVerifierWithKeyfunc builds a verifier over a caller-supplied key
// resolver. Used in tests with locally generated keys.
func NewVerifierWithKeyfunc(kf jwt.Keyfunc, logger *slog.Logger) *Verifier {
	return &Verifier{
		keyfunc: kf,
		issuers: googleIssuers,
		logger:  logger,
		now:     time.Now,
	}
}

// Verify parses and fully verifies an ID token: signature against the
// current signing keys, audience equal to expectedAudience, issuer one
// of the accepted spellings, and not expired. Every failure returns an
// *apierr.VerificationError with a distinct kind, and never falls back
// to unverified claims.
func (v *Verifier) Verify(idToken, expectedAudience string) (*Claims, error) {
	claims := &Claims{}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	if _, err := parser.ParseWithClaims(idToken, claims, v.keyfunc); err != nil {
		return nil, classify(err)
	}

	// Google signs with either issuer spelling, so jwt.WithIssuer (single
	// value) does not fit; checked here instead.
	if !slices.Contains(v.issuers, claims.Issuer) {
		return nil, &apierr.VerificationError{
			Kind: apierr.VerificationIssuerMismatch,
			Err:  fmt.Errorf("unexpected issuer %q", claims.Issuer),
		}
	}

	return claims, nil
}

// classify maps jwt/v5 sentinel errors onto the verification taxonomy.
func classify(err error) *apierr.VerificationError {
	kind := apierr.VerificationMalformed

	switch {
	case errorIs(err, jwt.ErrTokenSignatureInvalid, jwt.ErrTokenUnverifiable):
		kind = apierr.VerificationBadSignature
	case errorIs(err, jwt.ErrTokenExpired, jwt.ErrTokenNotValidYet):
		kind = apierr.VerificationExpired
	case errorIs(err, jwt.ErrTokenInvalidAudience):
		kind = apierr.VerificationAudienceMismatch
	case errorIs(err, jwt.ErrTokenInvalidIssuer):
		kind = apierr.VerificationIssuerMismatch
	}

	return &apierr.VerificationError{Kind: kind, Err: err}
}

func errorIs(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}

	return false
}

// ResolveIdentity maps verified claims to a user identity: email when
// present, else the provider-assigned subject. When neither exists it
// mints a per-occurrence pseudo-identity; such identities are unstable
// across sessions and are marked Verified=false so callers can treat
// them as best effort only.
func (v *Verifier) ResolveIdentity(claims *Claims) Identity {
	if claims.Email != "" {
		return Identity{UserID: claims.Email, Email: claims.Email, Verified: true}
	}

	if claims.Subject != "" {
		return Identity{UserID: claims.Subject, Verified: true}
	}

	id := fmt.Sprintf("user-%d", v.now().UnixMilli())
	v.logger.Warn("no email or subject in verified token, using fallback id",
		slog.String("user_id", id))

	return Identity{UserID: id, Verified: false}
}
