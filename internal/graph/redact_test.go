package graph

import (
	"bytes"
	"strings"
	"testing"
)

// TestRedactTokens covers the three token shapes that show up in logs.
func TestRedactTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{
			name: "query string",
			in:   "https://graph.example/v23.0/p1/feed?access_token=EAAsecret123&limit=25",
		},
		{
			name: "json literal",
			in:   `{"access_token": "EAAsecret123", "id": "p1"}`,
		},
		{
			name: "single quoted literal",
			in:   `{'access_token': 'EAAsecret123'}`,
		},
	}

	for _, tt := range tests {
		got := RedactTokens(tt.in)
		if strings.Contains(got, "EAAsecret123") {
			t.Fatalf("%s: token survived redaction: %q", tt.name, got)
		}
		if !strings.Contains(got, "---ACCESS-TOKEN---") {
			t.Fatalf("%s: no mask in output: %q", tt.name, got)
		}
	}

	// Surrounding parameters must survive.
	got := RedactTokens("since=123&access_token=EAAsecret123&limit=25")
	if !strings.Contains(got, "since=123") || !strings.Contains(got, "limit=25") {
		t.Fatalf("neighboring params damaged: %q", got)
	}
}

// TestRedactWriter verifies the log decorator masks in-flight and reports
// the original length so the log package never sees a short write.
func TestRedactWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewRedactWriter(&buf)

	line := []byte("stage=pagination next=https://g/feed?access_token=EAAsecret123\n")
	n, err := w.Write(line)
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if n != len(line) {
		t.Fatalf("Write() n = %d, want the original length %d", n, len(line))
	}
	if strings.Contains(buf.String(), "EAAsecret123") {
		t.Fatalf("token reached the sink: %q", buf.String())
	}
}
