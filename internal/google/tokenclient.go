// Package google holds the collaborators that talk to Google and
// OpenStreetMap: the OAuth token endpoint, the Photos Library API, and
// the Nominatim geocoder. The credential and resilience services in the
// sibling packages do not know about these concrete endpoints.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/savethepolarbears/google-photos-mcp/internal/tokens"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

// photosScope grants read access to the user's photo library.
const photosScope = "https://www.googleapis.com/auth/photoslibrary.readonly"

// TokenClient performs the OAuth code exchange and token refresh against
// Google's token endpoint. It implements refresh.Refresher.
type TokenClient struct {
	cfg    *oauth2.Config
	logger *slog.Logger
}

// NewTokenClient builds a token client for the given OAuth application.
func NewTokenClient(clientID, clientSecret, redirectURL string, logger *slog.Logger) *TokenClient {
	return &TokenClient{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{photosScope, "openid", "email"},
			Endpoint:     googleoauth.Endpoint,
		},
		logger: logger,
	}
}

// AuthURL returns the consent page URL. Offline access is requested so
// the exchange yields a refresh token.
func (c *TokenClient) AuthURL(state string) string {
	return c.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange redeems an authorization code for a token record plus the raw
// ID token for identity verification.
func (c *TokenClient) Exchange(ctx context.Context, code string) (tokens.Record, string, error) {
	tok, err := c.cfg.Exchange(ctx, code)
	if err != nil {
		return tokens.Record{}, "", fmt.Errorf("exchanging authorization code: %w", sanitizeOAuthErr(err))
	}

	idToken, _ := tok.Extra("id_token").(string)

	return tokens.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		ExpiryDate:   tok.Expiry.UnixMilli(),
	}, idToken, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (tokens.Record, error) {
	src := c.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return tokens.Record{}, sanitizeOAuthErr(err)
	}

	return tokens.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiryDate:   tok.Expiry.UnixMilli(),
	}, nil
}

// sanitizeOAuthErr reduces oauth2 retrieval errors to their status code.
// The response body is dropped: it can echo request parameters.
func sanitizeOAuthErr(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return fmt.Errorf("token endpoint returned status %d", rerr.Response.StatusCode)
	}

	return err
}
