package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// classifyTransportError maps transport failures onto the fetch taxonomy.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// classifyHTTPStatus maps non-2xx statuses onto the fetch taxonomy.
func classifyHTTPStatus(status int, payload []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	detail := httpErrorDetail(payload)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w (%d): %s", ErrUnauthorized, status, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (%d): %s", ErrRateLimited, status, detail)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w (%d): %s", ErrNotSupportedPair, status, detail)
	default:
		return fmt.Errorf("http %d: %s", status, detail)
	}
}

func httpErrorDetail(payload []byte) string {
	var apiErr struct {
		Error       string `json:"error"`
		Message     string `json:"message"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			return apiErr.Description
		case apiErr.Message != "":
			return apiErr.Message
		case apiErr.Error != "":
			return apiErr.Error
		}
	}
	trimmed := strings.TrimSpace(string(payload))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	if trimmed == "" {
		trimmed = "no response body"
	}
	return trimmed
}
