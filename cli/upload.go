package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
	"github.com/moyoez/courseupload/uploader"
)

func newUploadCmd(g *globals) *cobra.Command {
	var (
		objectKey      string
		title          string
		classification string
		encrypt        bool
		chunkMiB       int64
		concurrency    int
		resumeID       string
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file, resuming its earlier session when --resume is given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if objectKey == "" {
				objectKey = filepath.Base(path)
			}
			meta := map[string]string{}
			if title != "" {
				meta["title"] = title
			}
			if classification != "" {
				meta["classification"] = classification
			}

			ctx := cmd.Context()
			e, err := openEngine(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			h, err := e.uploads.Start(ctx, types.FileRef{Path: path}, types.Destination{
				ObjectKey: objectKey,
				Metadata:  meta,
			}, uploader.Options{
				Encrypt:     encrypt,
				ChunkSize:   chunkMiB * tool.MiB,
				Concurrency: concurrency,
				ResumeID:    resumeID,
			})
			if err != nil {
				return err
			}
			return runToEnd(ctx, e, h, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&objectKey, "key", "", "Object key in the bucket (default: file name)")
	cmd.Flags().StringVar(&title, "title", "", "Asset title stored as metadata")
	cmd.Flags().StringVar(&classification, "classification", "", "Asset classification stored as metadata")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Encrypt the file with AES-256-GCM before upload")
	cmd.Flags().Int64Var(&chunkMiB, "chunk-size", 0, "Part size in MiB (default: from network probe)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel part uploads (default: from network probe)")
	cmd.Flags().StringVar(&resumeID, "resume", "", "Session id to resume instead of starting over")
	return cmd
}

func newResumeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer e.Close()
			h, err := e.uploads.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			return runToEnd(ctx, e, h, cmd.OutOrStdout())
		},
	}
}

// runToEnd logs progress until h finishes. The first interrupt cancels cooperatively so the
// session can be resumed later.
func runToEnd(ctx context.Context, e *engine, h *uploader.Handle, out io.Writer) error {
	progress := newProgressLogger(h.ID())
	defer progress.follow(e.bus)()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-h.Done():
	case <-sigCtx.Done():
		tool.DefaultLogger.Infof("Interrupted, stopping after in-flight parts (session %s)", h.ID())
		h.Cancel()
	}

	res, err := h.Wait()
	if err != nil {
		return fmt.Errorf("upload %s failed: %w", h.ID(), err)
	}
	switch {
	case res.Cancelled:
		fmt.Fprintf(out, "cancelled %s, resume with: courseupload resume %s\n", res.SessionID, res.SessionID)
	default:
		fmt.Fprintf(out, "uploaded %s\n  location: %s\n  etag:     %s\n", res.ObjectKey, res.Location, res.ETag)
		if res.Encryption != nil {
			fmt.Fprintf(out, "  encrypted: %s, iv %s\n", res.Encryption.Algorithm, res.Encryption.IV)
		}
		if res.EncryptionFallback {
			fmt.Fprintln(out, "  warning: encryption failed, uploaded without encryption")
		}
	}
	return nil
}
