// Package idp requests access tokens from an OpenID Connect identity
// provider using the OAuth2 client-credentials grant.
//
// The token endpoint follows the Keycloak realm layout:
//
//	{base_url}/realms/{realm}/protocol/openid-connect/token
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dnitsch/rds-auth-probe/internal/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Acquirer requests a single token per call, it never retries.
type Acquirer struct {
	conf   config.IdpConfig
	client *http.Client
	now    func() time.Time
}

// New returns an Acquirer. A nil client is replaced with one
// bounded by the default timeout.
func New(conf config.IdpConfig, client *http.Client) *Acquirer {
	if client == nil {
		client = &http.Client{Timeout: config.DEFAULT_TIMEOUT}
	}
	return &Acquirer{conf: conf, client: client, now: time.Now}
}

// TokenURL builds the realm token endpoint.
func TokenURL(baseUrl, realm string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token",
		strings.TrimRight(baseUrl, "/"), url.PathEscape(realm))
}

func (a *Acquirer) validate() error {
	missing := []string{}
	if strings.TrimSpace(a.conf.BaseUrl) == "" {
		missing = append(missing, "base url")
	}
	if strings.TrimSpace(a.conf.Realm) == "" {
		missing = append(missing, "realm")
	}
	if strings.TrimSpace(a.conf.ClientId) == "" {
		missing = append(missing, "client id")
	}
	if a.conf.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s, %w", strings.Join(missing, ", "), ErrMissingConfig)
	}
	return nil
}

// Acquire performs the client-credentials grant. Configuration is
// checked before any request is made.
func (a *Acquirer) Acquire(ctx context.Context) (*IdentityToken, error) {
	if err := a.validate(); err != nil {
		return nil, &TokenAcquisitionError{Err: err}
	}

	cc := &clientcredentials.Config{
		ClientID:     a.conf.ClientId,
		ClientSecret: a.conf.ClientSecret,
		TokenURL:     TokenURL(a.conf.BaseUrl, a.conf.Realm),
		// credentials in the form body, this also avoids the auto
		// detection probe which would cost a second request
		AuthStyle: oauth2.AuthStyleInParams,
	}

	log.WithFields(log.Fields{
		"tokenURL": cc.TokenURL,
		"clientId": cc.ClientID,
	}).Debug("IdP: requesting client credentials token")

	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, a.client))
	if err != nil {
		return nil, acquisitionError(err)
	}

	expiresIn, err := expiresInFrom(tok)
	if err != nil {
		return nil, &TokenAcquisitionError{Err: err}
	}

	log.WithFields(log.Fields{
		"tokenType": tok.TokenType,
		"expiresIn": expiresIn,
	}).Debug("IdP: token issued")

	return &IdentityToken{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   expiresIn,
		IssuedAt:    a.now(),
	}, nil
}

func acquisitionError(err error) error {
	rErr := &oauth2.RetrieveError{}
	if errors.As(err, &rErr) {
		e := &TokenAcquisitionError{Body: string(rErr.Body), Err: err}
		if rErr.Response != nil {
			e.StatusCode = rErr.Response.StatusCode
		}
		return e
	}
	return &TokenAcquisitionError{Err: err}
}

// expiresInFrom reads the raw expires_in value rather than the computed
// expiry, so the reported lifetime matches the response exactly.
func expiresInFrom(tok *oauth2.Token) (int, error) {
	switch v := tok.Extra("expires_in").(type) {
	case nil:
		return 0, nil
	case float64:
		return int(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("malformed expires_in %q: %w", v, err)
		}
		return int(i), nil
	case string:
		if v == "" {
			return 0, nil
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("malformed expires_in %q: %w", v, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("malformed expires_in of type %T", v)
	}
}
