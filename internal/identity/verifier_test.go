package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAudience = "client-id.apps.googleusercontent.com"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSigner holds a throwaway RSA key pair and a verifier bound to it.
type testSigner struct {
	key      *rsa.PrivateKey
	verifier *Verifier
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kf := func(*jwt.Token) (any, error) { return &key.PublicKey, nil }

	return &testSigner{
		key:      key,
		verifier: NewVerifierWithKeyfunc(kf, testLogger()),
	}
}

func (s *testSigner) sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	require.NoError(t, err)

	return token
}

func googleClaims() Claims {
	return Claims{
		Email:         "alice@example.com",
		EmailVerified: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://accounts.google.com",
			Subject:   "108273461827346",
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func requireKind(t *testing.T, err error, kind apierr.VerificationKind) {
	t.Helper()

	var ve *apierr.VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, kind, ve.Kind)
}

func TestVerify_ValidToken(t *testing.T) {
	s := newTestSigner(t)

	claims, err := s.verifier.Verify(s.sign(t, googleClaims()), testAudience)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", claims.Email)
	assert.True(t, claims.EmailVerified)
	assert.Equal(t, "108273461827346", claims.Subject)
}

func TestVerify_AcceptsBareIssuerSpelling(t *testing.T) {
	s := newTestSigner(t)

	c := googleClaims()
	c.Issuer = "accounts.google.com"

	_, err := s.verifier.Verify(s.sign(t, c), testAudience)
	assert.NoError(t, err)
}

func TestVerify_TamperedPayload(t *testing.T) {
	s := newTestSigner(t)

	token := s.sign(t, googleClaims())

	// Swap the payload for one claiming a different email; the signature
	// no longer matches.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	forged := base64.RawURLEncoding.EncodeToString([]byte(
		`{"email":"mallory@example.com","iss":"https://accounts.google.com","aud":"` +
			testAudience + `","exp":` + timestamp(time.Now().Add(time.Hour)) + `}`))

	_, err := s.verifier.Verify(parts[0]+"."+forged+"."+parts[2], testAudience)
	requireKind(t, err, apierr.VerificationBadSignature)
}

func timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func TestVerify_WrongKey(t *testing.T) {
	s := newTestSigner(t)
	other := newTestSigner(t)

	_, err := s.verifier.Verify(other.sign(t, googleClaims()), testAudience)
	requireKind(t, err, apierr.VerificationBadSignature)
}

func TestVerify_Expired(t *testing.T) {
	s := newTestSigner(t)

	c := googleClaims()
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	_, err := s.verifier.Verify(s.sign(t, c), testAudience)
	requireKind(t, err, apierr.VerificationExpired)
}

func TestVerify_MissingExpiry(t *testing.T) {
	s := newTestSigner(t)

	c := googleClaims()
	c.ExpiresAt = nil

	_, err := s.verifier.Verify(s.sign(t, c), testAudience)
	require.Error(t, err)
}

func TestVerify_AudienceMismatch(t *testing.T) {
	s := newTestSigner(t)

	c := googleClaims()
	c.Audience = jwt.ClaimStrings{"someone-else.apps.googleusercontent.com"}

	_, err := s.verifier.Verify(s.sign(t, c), testAudience)
	requireKind(t, err, apierr.VerificationAudienceMismatch)
}

func TestVerify_IssuerMismatch(t *testing.T) {
	s := newTestSigner(t)

	c := googleClaims()
	c.Issuer = "https://evil.example.com"

	_, err := s.verifier.Verify(s.sign(t, c), testAudience)
	requireKind(t, err, apierr.VerificationIssuerMismatch)
}

func TestVerify_Malformed(t *testing.T) {
	s := newTestSigner(t)

	_, err := s.verifier.Verify("not-a-jwt", testAudience)
	requireKind(t, err, apierr.VerificationMalformed)
}

func TestVerify_RejectsUnsignedToken(t *testing.T) {
	s := newTestSigner(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, googleClaims()).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, verr := s.verifier.Verify(token, testAudience)
	require.Error(t, verr)
}

func TestResolveIdentity(t *testing.T) {
	s := newTestSigner(t)

	t.Run("email preferred", func(t *testing.T) {
		c := googleClaims()

		id := s.verifier.ResolveIdentity(&c)
		assert.Equal(t, "alice@example.com", id.UserID)
		assert.Equal(t, "alice@example.com", id.Email)
		assert.True(t, id.Verified)
	})

	t.Run("subject when no email", func(t *testing.T) {
		c := googleClaims()
		c.Email = ""

		id := s.verifier.ResolveIdentity(&c)
		assert.Equal(t, "108273461827346", id.UserID)
		assert.Empty(t, id.Email)
		assert.True(t, id.Verified)
	})

	t.Run("fallback pseudo-identity", func(t *testing.T) {
		s.verifier.now = func() time.Time { return time.UnixMilli(1234) }

		c := googleClaims()
		c.Email = ""
		c.Subject = ""

		id := s.verifier.ResolveIdentity(&c)
		assert.Equal(t, "user-1234", id.UserID)
		assert.False(t, id.Verified, "fallback identities are unverified")
	})
}
