package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
)

const maxErrorBody = 512

// classifyResponse turns a non-success HTTP response into a DeliveryError.
// Throttling, timeouts and server errors are transport failures; any other
// 4xx means the destination rejected the record.
func classifyResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return domain.NewTransportError(op, err)
	default:
		return domain.NewRemoteRejection(op, err)
	}
}

// classifyTransport wraps an error returned before any response arrived.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return domain.NewTransportError(op, fmt.Errorf("delivery cancelled: %w", err))
	}
	return domain.NewTransportError(op, err)
}
