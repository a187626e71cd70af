// Package auth implements the browser-based Google sign-in flow: it
// issues the consent redirect, validates the callback, verifies the
// returned ID token, and persists the resulting credential set.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
	"github.com/savethepolarbears/google-photos-mcp/internal/google"
	"github.com/savethepolarbears/google-photos-mcp/internal/identity"
	"github.com/savethepolarbears/google-photos-mcp/internal/tokens"
)

// stateExpiry controls how long an issued login state remains valid.
const stateExpiry = 10 * time.Minute

// Flow holds the pieces of one sign-in round trip.
type Flow struct {
	client   *google.TokenClient
	verifier *identity.Verifier
	repo     *tokens.Repository
	audience string
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]time.Time
}

// NewFlow creates a sign-in flow. audience is the OAuth client id the
// ID token must be issued for.
func NewFlow(client *google.TokenClient, verifier *identity.Verifier, repo *tokens.Repository, audience string, logger *slog.Logger) *Flow {
	return &Flow{
		client:   client,
		verifier: verifier,
		repo:     repo,
		audience: audience,
		logger:   logger,
		states:   make(map[string]time.Time),
	}
}

// HandleLogin issues a fresh anti-forgery state and redirects to the
// Google consent page.
func (f *Flow) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := RandomHex(16)

	f.mu.Lock()
	f.pruneLocked()
	f.states[state] = time.Now().Add(stateExpiry)
	f.mu.Unlock()

	http.Redirect(w, r, f.client.AuthURL(state), http.StatusFound)
}

// HandleCallback consumes the authorization code: state check, code
// exchange, full ID token verification, identity resolution, and save.
// A token that fails verification never produces a stored credential.
func (f *Flow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if !f.consumeState(r.URL.Query().Get("state")) {
		http.Error(w, "invalid or expired state", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	rec, idToken, err := f.client.Exchange(r.Context(), code)
	if err != nil {
		f.logger.Error("code exchange failed", slog.String("error", err.Error()))
		http.Error(w, "code exchange failed", http.StatusBadGateway)

		return
	}

	if idToken == "" {
		http.Error(w, "no identity token in exchange response", http.StatusBadGateway)
		return
	}

	claims, err := f.verifier.Verify(idToken, f.audience)
	if err != nil {
		var verr *apierr.VerificationError
		if errors.As(err, &verr) {
			f.logger.Warn("rejecting unverifiable identity token",
				slog.String("kind", string(verr.Kind)))
		}

		http.Error(w, "identity verification failed", http.StatusUnauthorized)

		return
	}

	id := f.verifier.ResolveIdentity(claims)
	rec.UserEmail = id.Email

	if err := f.repo.Save(id.UserID, rec); err != nil {
		f.logger.Error("failed to persist tokens", slog.String("user_id", id.UserID), slog.String("error", err.Error()))
		http.Error(w, "failed to store credentials", http.StatusInternalServerError)

		return
	}

	f.logger.Info("account connected",
		slog.String("user_id", id.UserID),
		slog.Bool("verified", id.Verified),
	)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Connected as %s. You can close this window.\n", id.UserID)
}

// consumeState retrieves and deletes a login state; false when the
// state is unknown, empty, or expired.
func (f *Flow) consumeState(state string) bool {
	if state == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	expiry, ok := f.states[state]
	if !ok {
		return false
	}

	delete(f.states, state)

	return time.Now().Before(expiry)
}

// pruneLocked drops expired states. Callers must hold mu.
func (f *Flow) pruneLocked() {
	now := time.Now()
	for s, expiry := range f.states {
		if now.After(expiry) {
			delete(f.states, s)
		}
	}
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
