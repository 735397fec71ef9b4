// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ProxyRequest represents a client request to be forwarded upstream.
// Route is the path after the mount point as the client sent it (escaped);
// RawQuery is the original query string without the leading '?'.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Route         string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// AccessToken is a bearer credential issued by the identity provider.
type AccessToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	CharacterID  int64     `json:"character_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the token is usable at now, treating it as expired
// skew before its actual expiry.
func (t *AccessToken) Valid(now time.Time, skew time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return now.Add(skew).Before(t.ExpiresAt)
}
