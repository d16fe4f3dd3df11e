// Package transfer uploads the parts of a session with bounded concurrency and
// finalizes the multipart upload once every part is stored.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/moyoez/courseupload/types"
)

// MultipartInitiator opens a multipart upload.
type MultipartInitiator interface {
	InitMultipart(ctx context.Context, objectKey, contentType string, metadata map[string]string) (*types.MultipartInit, error)
}

// PartURLIssuer mints a short-lived URL accepting a PUT of exactly one part.
type PartURLIssuer interface {
	PartUploadURL(ctx context.Context, objectKey, handle string, partNumber int) (string, error)
}

// Completer assembles the object from parts listed in ascending part number.
type Completer interface {
	CompleteMultipart(ctx context.Context, objectKey, handle string, parts []types.CompletedPart) (*types.CompletionResult, error)
}

// Aborter discards a multipart upload and its stored parts.
type Aborter interface {
	AbortMultipart(ctx context.Context, objectKey, handle string) error
}

// AssetRegistrar records a finished object as a course asset.
type AssetRegistrar interface {
	RegisterAsset(ctx context.Context, reg types.AssetRegistration) error
}

var (
	// ErrHandleExpired means the multipart handle is gone on the provider side. It is never
	// retried; the caller has to discard the session and start over.
	ErrHandleExpired  = errors.New("multipart upload no longer exists")
	ErrPartialFailure = errors.New("some parts failed after all retries")
	ErrIncomplete     = errors.New("not every part is completed")
	ErrMissingETag    = errors.New("part upload response has no ETag")
	ErrCompletion     = errors.New("multipart completion failed")
)

// PartialFailureError lists the parts that exhausted their retries.
type PartialFailureError struct {
	Indices []int
}

func (e *PartialFailureError) Error() string {
	idx := make([]string, len(e.Indices))
	for i, v := range e.Indices {
		idx[i] = strconv.Itoa(v)
	}
	return fmt.Sprintf("%v: parts [%s]", ErrPartialFailure, strings.Join(idx, ","))
}

func (e *PartialFailureError) Unwrap() error { return ErrPartialFailure }

// permanent marks an error Retry must not repeat.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

func retriable(err error) bool {
	var p permanent
	if errors.As(err, &p) {
		return false
	}
	return !errors.Is(err, ErrHandleExpired) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// OrderedParts builds the completion list from a session, strictly by ascending part number.
func OrderedParts(sess *types.UploadSession) ([]types.CompletedPart, error) {
	if sess.CompletedParts != sess.TotalParts {
		return nil, fmt.Errorf("%w: %d of %d", ErrIncomplete, sess.CompletedParts, sess.TotalParts)
	}
	out := make([]types.CompletedPart, 0, len(sess.Parts))
	for _, p := range sess.Parts {
		if p.Status != types.PartCompleted || p.ETag == "" {
			return nil, fmt.Errorf("%w: part %d is %s", ErrIncomplete, p.Index, p.Status)
		}
		out = append(out, types.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}
