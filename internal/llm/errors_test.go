package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsLikelyTransientError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "rate_limit_text",
			err:  errors.New("openai api error: 429 Too Many Requests: rate limit reached for requests"),
			want: true,
		},
		{
			name: "server_error",
			err:  errors.New("anthropic api error: 529 overloaded"),
			want: true,
		},
		{
			name: "bad_gateway",
			err:  errors.New("request failed: 502 Bad Gateway"),
			want: true,
		},
		{
			name: "timeout_text",
			err:  errors.New("request failed: context deadline exceeded (Client.Timeout exceeded while awaiting headers)"),
			want: true,
		},
		{
			name: "connection_reset",
			err:  errors.New("read tcp 127.0.0.1:51234: connection reset by peer"),
			want: true,
		},
		{
			name: "deadline_wrapped",
			err:  fmt.Errorf("complete: %w", context.DeadlineExceeded),
			want: true,
		},
		{
			name: "auth_failure",
			err:  errors.New("openai api error: 401 Unauthorized: invalid api key"),
			want: false,
		},
		{
			name: "bad_request",
			err:  errors.New("openai api error: 400 Bad Request: model not found"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsLikelyTransientError(tc.err); got != tc.want {
				t.Fatalf("IsLikelyTransientError() = %v, want %v; err=%v", got, tc.want, tc.err)
			}
		})
	}
}
