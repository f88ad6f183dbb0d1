// Package logger provides log output helpers, including a writer that masks
// visitor identity tokens before they reach the log sink.
package logger

import (
	"io"
	"regexp"
)

var redactPatterns = []struct {
	re          *regexp.Regexp
	replacement []byte
}{
	// Identity cookie assignments carry the full token; mask the value.
	{regexp.MustCompile(`_shieldon=[0-9a-f]{32}`), []byte("_shieldon=[REDACTED-TOKEN]")},
	// Bare identity tokens are 32 lowercase hex characters. Keep the first
	// eight so operators can still correlate log lines per visitor.
	{regexp.MustCompile(`\b([0-9a-f]{8})[0-9a-f]{24}\b`), []byte("$1[MASKED]")},
}

// RedactWriter masks token-shaped strings in everything written through it.
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
