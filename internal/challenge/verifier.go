package challenge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	verifyTimeout = 5 * time.Second
	maxVerifyBody = 16 << 10
)

// Verifier checks a client's solution with the upstream challenge
// provider. Implementations must return ErrVerificationFailed for a
// rejected solution and ErrProviderUnavailable for transport-level
// trouble, so the caller can tell a cheating client from a broken
// provider.
type Verifier interface {
	// Verify confirms the opaque provider response for the given client IP.
	Verify(ctx context.Context, response, remoteIP string) error

	// Healthy returns nil if the provider endpoint is reachable.
	Healthy(ctx context.Context) error
}

// VerifierConfig configures the HTTP verifier.
type VerifierConfig struct {
	URL    string // provider siteverify endpoint
	Secret string
}

// HTTPVerifier talks to a Turnstile/hCaptcha-style siteverify endpoint:
// POST form {secret, response, remoteip}, JSON reply {"success": bool}.
type HTTPVerifier struct {
	url        string
	secret     string
	httpClient *http.Client
}

// Compile-time interface check.
var _ Verifier = (*HTTPVerifier)(nil)

// NewHTTPVerifier builds a verifier client. One instance per process.
func NewHTTPVerifier(cfg VerifierConfig) *HTTPVerifier {
	return &HTTPVerifier{
		url:    cfg.URL,
		secret: cfg.Secret,
		httpClient: &http.Client{
			Timeout: verifyTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, response, remoteIP string) error {
	if strings.TrimSpace(response) == "" {
		return fmt.Errorf("%w: empty provider response", ErrVerificationFailed)
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", response)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: provider returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: provider returned %d", ErrVerificationFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}
	var vr verifyResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return fmt.Errorf("%w: malformed reply: %v", ErrProviderUnavailable, err)
	}
	if !vr.Success {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(vr.ErrorCodes, ","))
	}
	return nil
}

// Healthy implements Verifier. A well-formed rejection still proves the
// provider is up; only transport failures count as unhealthy.
func (v *HTTPVerifier) Healthy(ctx context.Context) error {
	err := v.Verify(ctx, "healthcheck", "")
	if errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return nil
}
