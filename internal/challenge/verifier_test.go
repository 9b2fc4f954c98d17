package challenge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPVerifier_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "sekrit", r.Form.Get("secret"))
		assert.Equal(t, "solution", r.Form.Get("response"))
		assert.Equal(t, "203.0.113.7", r.Form.Get("remoteip"))
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	v := NewHTTPVerifier(VerifierConfig{URL: srv.URL, Secret: "sekrit"})
	assert.NoError(t, v.Verify(context.Background(), "solution", "203.0.113.7"))
}

func TestHTTPVerifier_Rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	v := NewHTTPVerifier(VerifierConfig{URL: srv.URL, Secret: "s"})
	err := v.Verify(context.Background(), "bad", "")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestHTTPVerifier_EmptyResponseIsRejection(t *testing.T) {
	v := NewHTTPVerifier(VerifierConfig{URL: "http://unused.invalid", Secret: "s"})
	err := v.Verify(context.Background(), "  ", "")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestHTTPVerifier_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(VerifierConfig{URL: srv.URL, Secret: "s"})
	err := v.Verify(context.Background(), "x", "")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestHTTPVerifier_NetworkErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // dead endpoint

	v := NewHTTPVerifier(VerifierConfig{URL: srv.URL, Secret: "s"})
	err := v.Verify(context.Background(), "x", "")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestHTTPVerifier_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	v := NewHTTPVerifier(VerifierConfig{URL: srv.URL, Secret: "s"})
	assert.NoError(t, v.Healthy(context.Background()), "a well-formed rejection still proves reachability")

	srv.Close()
	assert.Error(t, NewHTTPVerifier(VerifierConfig{URL: srv.URL, Secret: "s"}).Healthy(context.Background()))
}
