// Package endpoint talks to the platform's upload routes, which open, sign, complete and
// abort multipart uploads and register finished assets.
package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/transfer"
	"github.com/moyoez/courseupload/types"
)

var (
	ErrUnauthorized = errors.New("upload endpoint rejected credentials")
	ErrBadRequest   = errors.New("upload endpoint rejected request")
)

// TokenSource supplies the bearer token for each call. Implementations own caching and refresh.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Routes are the paths of the platform routes, relative to the base URL.
type Routes struct {
	Init     string
	PartURL  string
	Complete string
	Abort    string
	Register string
}

// Client implements transfer's external interfaces over HTTP/JSON.
type Client struct {
	baseURL string
	routes  Routes
	tokens  TokenSource
	http    *http.Client
}

func NewClient(baseURL string, routes Routes, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = tool.NewHTTPClient()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		routes:  routes,
		tokens:  tokens,
		http:    httpClient,
	}
}

// NewClientFromConfig builds a Client from the endpoint section of the config.
func NewClientFromConfig(cfg types.EndpointConfig, tokens TokenSource) *Client {
	if tokens == nil && cfg.Token != "" {
		tokens = StaticToken(cfg.Token)
	}
	client := tool.NewHTTPClient()
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return NewClient(cfg.BaseURL, Routes{
		Init:     cfg.InitPath,
		PartURL:  cfg.PartURLPath,
		Complete: cfg.CompletePath,
		Abort:    cfg.AbortPath,
		Register: cfg.RegisterPath,
	}, tokens, client)
}

type initRequest struct {
	ObjectKey   string            `json:"objectKey"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type partURLRequest struct {
	ObjectKey  string `json:"key"`
	UploadID   string `json:"uploadId"`
	PartNumber int    `json:"partNumber"`
}

type partURLResponse struct {
	URL string `json:"url"`
}

type completeRequest struct {
	ObjectKey string                `json:"key"`
	UploadID  string                `json:"uploadId"`
	Parts     []types.CompletedPart `json:"parts"`
}

type abortRequest struct {
	ObjectKey string `json:"key"`
	UploadID  string `json:"uploadId"`
}

func (c *Client) InitMultipart(ctx context.Context, objectKey, contentType string, metadata map[string]string) (*types.MultipartInit, error) {
	var out types.MultipartInit
	if err := c.call(ctx, c.routes.Init, initRequest{ObjectKey: objectKey, ContentType: contentType, Metadata: metadata}, &out, false); err != nil {
		return nil, fmt.Errorf("init multipart: %w", err)
	}
	if out.MultipartHandle == "" {
		return nil, errors.New("init multipart: response missing uploadId")
	}
	if out.ObjectKey == "" {
		out.ObjectKey = objectKey
	}
	return &out, nil
}

func (c *Client) PartUploadURL(ctx context.Context, objectKey, handle string, partNumber int) (string, error) {
	var out partURLResponse
	if err := c.call(ctx, c.routes.PartURL, partURLRequest{ObjectKey: objectKey, UploadID: handle, PartNumber: partNumber}, &out, true); err != nil {
		return "", fmt.Errorf("part url: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("part url: response missing url")
	}
	return out.URL, nil
}

func (c *Client) CompleteMultipart(ctx context.Context, objectKey, handle string, parts []types.CompletedPart) (*types.CompletionResult, error) {
	var out types.CompletionResult
	if err := c.call(ctx, c.routes.Complete, completeRequest{ObjectKey: objectKey, UploadID: handle, Parts: parts}, &out, true); err != nil {
		return nil, fmt.Errorf("complete multipart: %w", err)
	}
	return &out, nil
}

func (c *Client) AbortMultipart(ctx context.Context, objectKey, handle string) error {
	if err := c.call(ctx, c.routes.Abort, abortRequest{ObjectKey: objectKey, UploadID: handle}, nil, true); err != nil {
		return fmt.Errorf("abort multipart: %w", err)
	}
	return nil
}

func (c *Client) RegisterAsset(ctx context.Context, reg types.AssetRegistration) error {
	if err := c.call(ctx, c.routes.Register, reg, nil, false); err != nil {
		return fmt.Errorf("register asset: %w", err)
	}
	return nil
}

// call POSTs body as JSON and decodes the answer into out. When handleScoped is set a
// 404 or 410 means the multipart upload is gone.
func (c *Client) call(ctx context.Context, path string, body, out any, handleScoped bool) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			tool.DefaultLogger.Errorf("[Endpoint] Failed to close response body: %v", err)
		}
	}()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		tool.DefaultLogger.Warnf("[Endpoint] Failed to read response body: %v", readErr)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	case handleScoped && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone):
		return fmt.Errorf("%w: %s", transfer.ErrHandleExpired, resp.Status)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s: %s", ErrBadRequest, resp.Status, summarize(data))
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("request failed: %s: %s", resp.Status, summarize(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func summarize(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
