package transfer

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/moyoez/courseupload/tool"
)

// StatusError is a non-2xx answer to a part PUT.
type StatusError struct {
	StatusCode int
	Status     string
	Code       string // provider error code from the XML body, if any
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("part upload failed: %s (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("part upload failed: %s", e.Status)
}

type providerError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// PutPart sends one byte range to a signed part URL and returns the ETag with quotes stripped.
func PutPart(ctx context.Context, client *http.Client, url string, body io.Reader, size int64) (string, error) {
	if client == nil {
		client = tool.NewTransferClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", permanent{fmt.Errorf("failed to create part request: %w", err)}
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("part upload cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("failed to send part: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			tool.DefaultLogger.Errorf("[Transfer] Failed to close response body: %v", err)
		}
	}()

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		etag := strings.Trim(resp.Header.Get("ETag"), `"`)
		if etag == "" {
			return "", ErrMissingETag
		}
		return etag, nil
	default:
		statusErr := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		var perr providerError
		if len(data) > 0 && xml.Unmarshal(data, &perr) == nil {
			statusErr.Code = perr.Code
		}
		if statusErr.Code == "NoSuchUpload" || resp.StatusCode == http.StatusGone {
			return "", fmt.Errorf("%w: %v", ErrHandleExpired, statusErr)
		}
		return "", statusErr
	}
}

// IsHandleExpired reports whether err means the multipart upload is gone.
func IsHandleExpired(err error) bool {
	return errors.Is(err, ErrHandleExpired)
}
