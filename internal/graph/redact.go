package graph

import (
	"io"
	"regexp"
)

// Access tokens leak into logs through two shapes: query strings carried in
// URLs/errors, and JSON/dict literals in dumped payloads. Both are masked.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`access_token=[^&\s"']+`),
	regexp.MustCompile(`"access_token"\s*:\s*"[^"]+"`),
	regexp.MustCompile(`'access_token'\s*:\s*'[^']+'`),
}

var tokenReplacements = []string{
	`access_token=---ACCESS-TOKEN---`,
	`"access_token": "---ACCESS-TOKEN---"`,
	`'access_token': '---ACCESS-TOKEN---'`,
}

// RedactTokens masks any access token occurrences in s.
func RedactTokens(s string) string {
	for i, p := range tokenPatterns {
		s = p.ReplaceAllString(s, tokenReplacements[i])
	}
	return s
}

type redactWriter struct {
	w io.Writer
}

// NewRedactWriter decorates a log sink so every line passing through has
// access tokens masked. It is installed once at process start
// (log.SetOutput); nothing else in the program needs to remember to scrub.
func NewRedactWriter(w io.Writer) io.Writer {
	return &redactWriter{w: w}
}

// Write masks tokens and forwards. It reports the original length so the
// log package never sees a short write.
func (rw *redactWriter) Write(p []byte) (int, error) {
	masked := RedactTokens(string(p))
	if _, err := rw.w.Write([]byte(masked)); err != nil {
		return 0, err
	}
	return len(p), nil
}
