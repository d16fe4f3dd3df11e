package uploader

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/moyoez/courseupload/encrypt"
	"github.com/moyoez/courseupload/session"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/transfer"
	"github.com/moyoez/courseupload/types"
)

// Progress bands of the phases.
const (
	encryptEnd  = 30.0
	transferEnd = 90.0
	completeAt  = 95.0
)

const registerBackoff = 500 * time.Millisecond

func (u *Uploader) startRun(ctx context.Context, h *Handle, ref types.FileRef, dest types.Destination, opts Options) {
	res := &Result{SessionID: h.id, ObjectKey: dest.ObjectKey}
	payloadPath, size := ref.Path, ref.Size

	var material *types.EncryptionMaterial
	if u.cfg.Encryption.Enabled || opts.Encrypt {
		m, n, err := u.encryptPayload(ctx, h, ref)
		switch {
		case err == nil:
			material = m
			payloadPath, size = u.spoolPath(h.id), n
		case h.cancelled() || ctx.Err() != nil:
			u.cancel(ctx, h, res, false)
			return
		case u.cfg.Encryption.AllowPlaintextFallback:
			tool.DefaultLogger.Warnf("[Uploader] %s: encryption failed, uploading plaintext: %v", h.id, err)
			res.EncryptionFallback = true
			u.publish(types.Event{
				Type:      types.EventEncryptionFallback,
				SessionID: h.id,
				Phase:     types.PhaseEncrypting,
				Message:   err.Error(),
			})
		default:
			u.fail(h, res, fmt.Errorf("encryption failed: %w", err))
			return
		}
	}
	if h.cancelled() {
		u.removeSpoolIf(material != nil, payloadPath)
		u.cancel(ctx, h, res, false)
		return
	}

	profile := u.profile(ctx, opts)
	meta := baseMetadata(dest, ref, material != nil)
	sess, _, err := u.deps.Store.Initialize(ctx, session.InitRequest{
		FileID:      h.id,
		FileName:    ref.Name,
		ContentType: ref.ContentType,
		SourcePath:  ref.Path,
		PayloadPath: payloadPath,
		ObjectKey:   dest.ObjectKey,
		TotalSize:   size,
		ChunkSize:   profile.RecommendedChunkBytes,
		Encrypted:   material != nil,
		Metadata:    meta,
	}, transfer.Opener(u.deps.Initiator, ref.ContentType, meta))
	if err != nil {
		u.removeSpoolIf(material != nil, payloadPath)
		u.fail(h, res, err)
		return
	}
	if material != nil {
		u.materials.Set(h.id, material)
	}
	res.ObjectKey = sess.ObjectKey
	res.Encrypted = material != nil
	u.transferRun(ctx, h, sess, material, profile, res)
}

func (u *Uploader) encryptPayload(ctx context.Context, h *Handle, ref types.FileRef) (*types.EncryptionMaterial, int64, error) {
	u.setPhase(h, types.PhaseEncrypting, 0, types.StateInitializing)
	encCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-h.stop:
			stop()
		case <-encCtx.Done():
		}
	}()
	last := -1
	return encrypt.EncryptFile(encCtx, ref.Path, u.spoolPath(h.id), func(percent float64) {
		if int(percent) == last {
			return
		}
		last = int(percent)
		u.setProgress(h, percent/100*encryptEnd)
	})
}

func (u *Uploader) transferRun(ctx context.Context, h *Handle, sess *types.UploadSession, material *types.EncryptionMaterial, profile types.NetworkProfile, res *Result) {
	if material != nil {
		res.Encryption = &types.EncryptionInfo{
			Algorithm: material.Algorithm,
			IV:        base64.StdEncoding.EncodeToString(material.IV),
			IVLength:  material.IVLength,
		}
	}

	var (
		tres *transfer.Result
		err  error
	)
	switch {
	case sess.State == types.StateDone:
	case sess.CompletedParts == sess.TotalParts:
		u.setPhase(h, types.PhaseFinalizing, transferEnd, types.StateVerifying)
		tres, err = u.ctrl.RetryCompletion(ctx, sess.ID, profile)
	default:
		tres, err = u.upload(ctx, h, sess, profile)
	}
	switch {
	case err != nil && (h.cancelled() || ctx.Err() != nil) && !transfer.IsHandleExpired(err):
		u.cancel(ctx, h, res, true)
		return
	case err != nil:
		u.fail(h, res, err)
		return
	case tres != nil && tres.Cancelled:
		res.PartsUploaded = len(tres.Uploaded)
		u.cancel(ctx, h, res, true)
		return
	}
	if tres != nil {
		res.PartsUploaded = len(tres.Uploaded)
	}

	done, err := u.deps.Store.Get(ctx, sess.ID)
	if err != nil {
		u.fail(h, res, err)
		return
	}
	res.Location = done.Location
	res.ETag = done.ObjectETag
	u.setPhase(h, types.PhaseFinalizing, completeAt, types.StateDone)

	if err := u.register(ctx, done, res.Encryption); err != nil {
		u.fail(h, res, err)
		return
	}
	if err := u.deps.Store.Complete(ctx, done.ID); err != nil {
		tool.DefaultLogger.Warnf("[Uploader] %s: failed to remove finished session: %v", done.ID, err)
	}
	if done.Encrypted {
		u.removeSpool(done.PayloadPath)
		u.materials.Delete(done.ID)
	}
	u.setPhase(h, types.PhaseDone, 100, types.StateDone)
	tool.DefaultLogger.Infof("[Uploader] %s: %s uploaded to %s", done.ID, done.FileName, done.Location)
	u.publish(types.Event{
		Type:      types.EventUploadDone,
		SessionID: done.ID,
		Phase:     types.PhaseDone,
		Percent:   100,
		Data:      map[string]any{"location": done.Location, "etag": done.ObjectETag, "objectKey": done.ObjectKey},
	})
	u.release(h, res, nil)
}

func (u *Uploader) upload(ctx context.Context, h *Handle, sess *types.UploadSession, profile types.NetworkProfile) (*transfer.Result, error) {
	f, err := os.Open(sess.PayloadPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	defer f.Close()

	u.setPhase(h, types.PhaseUploading, encryptEnd, types.StateTransferring)
	return u.ctrl.Transfer(ctx, transfer.Request{
		SessionID: sess.ID,
		Profile:   profile,
		Payload:   f,
		Stop:      h.stop,
		OnProgress: func(completed, total int64) {
			frac := 1.0
			if total > 0 {
				frac = float64(completed) / float64(total)
			}
			u.setProgress(h, encryptEnd+frac*(transferEnd-encryptEnd))
		},
		OnPart: func(ev transfer.PartEvent) {
			data := map[string]any{"index": ev.Index, "partNumber": ev.PartNumber, "attempt": ev.Attempt}
			switch ev.Status {
			case types.PartCompleted:
				u.publish(types.Event{Type: types.EventPartCompleted, SessionID: sess.ID, Phase: types.PhaseUploading, Data: data})
			case types.PartFailed:
				msg := ""
				if ev.Err != nil {
					msg = ev.Err.Error()
				}
				u.publish(types.Event{Type: types.EventPartFailed, SessionID: sess.ID, Phase: types.PhaseUploading, Message: msg, Data: data})
			}
		},
		OnVerify: func() {
			u.setPhase(h, types.PhaseFinalizing, transferEnd, types.StateVerifying)
		},
	})
}

func (u *Uploader) register(ctx context.Context, sess *types.UploadSession, enc *types.EncryptionInfo) error {
	size := sess.TotalSize
	if v, err := strconv.ParseInt(sess.Metadata[MetaOriginalSize], 10, 64); err == nil {
		size = v
	}
	reg := types.AssetRegistration{
		ObjectKey:   sess.ObjectKey,
		ObjectURL:   sess.Location,
		FileName:    sess.FileName,
		FileSize:    size,
		ContentType: sess.ContentType,
		Metadata:    sess.Metadata,
		Encryption:  enc,
	}
	policy := tool.NewRetryPolicy(u.cfg.RegisterAttempts, registerBackoff)
	if u.cfg.Backoff != nil {
		policy.Delay = u.cfg.Backoff(registerBackoff)
	}
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		tool.DefaultLogger.Warnf("[Uploader] %s: registration attempt %d failed: %v, retrying in %s", sess.ID, attempt+1, err, wait)
	}
	err := tool.Retry(ctx, policy, func(int) error {
		return u.deps.Registrar.RegisterAsset(ctx, reg)
	}, func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return nil
}

func (u *Uploader) setPhase(h *Handle, phase types.UploadPhase, percent float64, state types.SessionState) {
	st := h.update(func(s *types.UploadStatus) {
		s.Phase = phase
		s.Percent = max(s.Percent, percent)
		s.State = state
	})
	tool.DefaultLogger.Debugf("[Uploader] %s: phase %s (%.0f%%)", h.id, phase, st.Percent)
	u.publish(types.Event{Type: types.EventPhase, SessionID: h.id, Phase: phase, Percent: st.Percent})
}

func (u *Uploader) setProgress(h *Handle, percent float64) {
	st := h.update(func(s *types.UploadStatus) {
		s.Percent = max(s.Percent, percent)
	})
	u.publish(types.Event{Type: types.EventProgress, SessionID: h.id, Phase: st.Phase, Percent: st.Percent})
}

// cancel finishes a cooperatively stopped run. When stored is set the session exists and
// is flagged aborted so it shows up as resumable.
func (u *Uploader) cancel(ctx context.Context, h *Handle, res *Result, stored bool) {
	res.Cancelled = true
	if stored {
		if _, err := u.deps.Store.MarkAborted(context.WithoutCancel(ctx), h.id, true); err != nil && !errors.Is(err, session.ErrNotFound) {
			tool.DefaultLogger.Warnf("[Uploader] %s: failed to mark aborted: %v", h.id, err)
		}
	}
	st := h.update(func(s *types.UploadStatus) { s.Phase = types.PhaseCancelled })
	tool.DefaultLogger.Infof("[Uploader] %s: cancelled at %.0f%%", h.id, st.Percent)
	u.publish(types.Event{Type: types.EventUploadCancelled, SessionID: h.id, Phase: types.PhaseCancelled, Percent: st.Percent})
	u.release(h, res, nil)
}

func (u *Uploader) fail(h *Handle, res *Result, err error) {
	st := h.update(func(s *types.UploadStatus) {
		s.Phase = types.PhaseFailed
		s.Error = err.Error()
	})
	tool.DefaultLogger.Errorf("[Uploader] %s: failed: %v", h.id, err)
	u.publish(types.Event{Type: types.EventUploadFailed, SessionID: h.id, Phase: types.PhaseFailed, Percent: st.Percent, Message: err.Error()})
	u.release(h, res, err)
}

func (u *Uploader) removeSpoolIf(cond bool, path string) {
	if cond {
		u.removeSpool(path)
	}
}
