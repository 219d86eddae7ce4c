package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{status: http.StatusInternalServerError, want: domain.KindTransport},
		{status: http.StatusBadGateway, want: domain.KindTransport},
		{status: http.StatusTooManyRequests, want: domain.KindTransport},
		{status: http.StatusRequestTimeout, want: domain.KindTransport},
		{status: http.StatusBadRequest, want: domain.KindRemoteRejection},
		{status: http.StatusForbidden, want: domain.KindRemoteRejection},
		{status: http.StatusConflict, want: domain.KindRemoteRejection},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Body:       io.NopCloser(strings.NewReader("  detail  ")),
			}
			err := classifyResponse("op", resp)
			assert.Equal(t, tt.want, domain.KindOf(err))
			assert.Contains(t, err.Error(), "detail")
		})
	}
}

func TestRouterUnknownDestination(t *testing.T) {
	var got []string
	r := NewRouter().Handle(domain.DestinationCRM, ClientFunc(func(_ context.Context, op domain.Operation) error {
		got = append(got, op.Name)
		return nil
	}))

	require.NoError(t, r.Deliver(context.Background(), domain.Operation{Name: "a", Destination: domain.DestinationCRM}))
	err := r.Deliver(context.Background(), domain.Operation{Name: "b", Destination: domain.DestinationRelational})

	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
	assert.ErrorContains(t, err, "no client configured")
}

func TestRateLimited(t *testing.T) {
	calls := 0
	next := ClientFunc(func(context.Context, domain.Operation) error {
		calls++
		return nil
	})

	_, wrapped := NewRateLimited(next, 0, 0).(*RateLimited)
	assert.False(t, wrapped, "non-positive rate disables limiting")

	limited := NewRateLimited(next, 0.001, 1)
	require.NoError(t, limited.Deliver(context.Background(), domain.Operation{Name: "first"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limited.Deliver(ctx, domain.Operation{Name: "second"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
	assert.ErrorContains(t, err, "rate limit wait")
}

func TestClassifyTransportKeepsCause(t *testing.T) {
	err := classifyTransport("op", context.Canceled)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
}
