// Package logger provides log output helpers, including a secret-masking writer.
package logger

import (
	"io"
	"regexp"
)

type redactPattern struct {
	re          *regexp.Regexp
	replacement []byte
}

var redactPatterns = []redactPattern{
	// Verifier shared secrets in form bodies or URLs.
	{regexp.MustCompile(`(?i)(secret=)[^&\s"]+`), []byte("${1}[REDACTED]")},
	// Bearer tokens in Authorization headers or log fields.
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), []byte("bearer [REDACTED]")},
	// Fingerprints are 64 hex chars; keep a short prefix so log lines stay
	// correlatable without exposing the full identifier.
	{regexp.MustCompile(`\b([a-f0-9]{8})[a-f0-9]{56}\b`), []byte("${1}[TRUNCATED]")},
}

type RedactWriter struct{ w io.Writer }

func NewRedactWriter(w io.Writer) *RedactWriter { return &RedactWriter{w: w} }

func (r *RedactWriter) Write(p []byte) (int, error) {
	out := p
	for _, pat := range redactPatterns {
		out = pat.re.ReplaceAll(out, pat.replacement)
	}
	_, err := r.w.Write(out)
	return len(p), err
}
