package dolt

import (
	"errors"
	"testing"
)

func TestIsRetryableErrorClassification(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{errors.New("driver: bad connection"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("Error 1049: unknown database 'covalue'"), true},
		{errors.New("syntax error near 'SELCT'"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isRetryableError(tc.err); got != tc.retryable {
			t.Errorf("isRetryableError(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}

func TestWithRetrySkipsBackoffOutsideServerMode(t *testing.T) {
	p := &Peer{serverMode: false}
	calls := 0
	err := p.withRetry(nil, func() error { //nolint:staticcheck // nil ctx unused in embedded-mode path
		calls++
		return errors.New("driver: bad connection")
	})
	if err == nil {
		t.Fatal("expected the single underlying error to surface unchanged")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt in embedded mode, got %d", calls)
	}
}
