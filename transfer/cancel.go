package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/moyoez/courseupload/session"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

// AbortSession discards the provider-side multipart upload of a session and removes the
// session record. A handle the provider no longer knows is not an error.
func AbortSession(ctx context.Context, store *session.Store, aborter Aborter, sessionID string) error {
	if store == nil {
		return fmt.Errorf("invalid parameters: store must not be nil")
	}
	if sessionID == "" {
		return fmt.Errorf("invalid parameters: sessionID must not be empty")
	}

	sess, err := store.Get(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil
	case errors.Is(err, session.ErrExpired):
		return store.Expire(ctx, sessionID)
	case err != nil:
		return err
	}

	if aborter != nil && sess.MultipartHandle != "" {
		if err := aborter.AbortMultipart(ctx, sess.ObjectKey, sess.MultipartHandle); err != nil && !errors.Is(err, ErrHandleExpired) {
			return fmt.Errorf("failed to abort multipart upload: %w", err)
		}
		tool.DefaultLogger.Infof("[Transfer] Aborted multipart upload %s for %s", sessionID, sess.ObjectKey)
	}
	return store.Expire(ctx, sessionID)
}

// Opener adapts a MultipartInitiator to the session store's open callback.
func Opener(initiator MultipartInitiator, contentType string, metadata map[string]string) session.OpenFunc {
	return func(ctx context.Context, objectKey string) (*types.MultipartInit, error) {
		if initiator == nil {
			return nil, fmt.Errorf("invalid parameters: initiator must not be nil")
		}
		return initiator.InitMultipart(ctx, objectKey, contentType, metadata)
	}
}
