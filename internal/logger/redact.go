// Package logger provides log output helpers, including a secret-masking writer.
package logger

import (
	"io"
	"regexp"
)

var redactPatterns = []struct {
	re          *regexp.Regexp
	replacement []byte
}{
	// Chat webhook URLs carry their credential in the last path segment.
	{regexp.MustCompile(`(https?://[^\s"/]+/api/webhooks/[0-9]+/)[A-Za-z0-9_\-]+`), []byte("${1}[REDACTED]")},
	// Issued keys: eight groups of four hex characters. The first group stays
	// so operators can still correlate lines.
	{regexp.MustCompile(`\b([0-9a-f]{4})(?:-[0-9a-f]{4}){7}\b`), []byte("${1}-****")},
	// Bearer tokens in Authorization headers or log fields.
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), []byte("bearer [REDACTED]")},
}

// RedactWriter masks secrets in everything written through it.
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
