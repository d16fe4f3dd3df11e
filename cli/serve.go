package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moyoez/courseupload/api"
	"github.com/moyoez/courseupload/api/notifyhub"
	"github.com/moyoez/courseupload/tool"
)

func newServeCmd(g *globals) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				g.cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openEngine(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			hub := notifyhub.New()
			defer hub.Attach(e.bus)()
			srv := api.NewServer(g.cfg.Server.Port, e.uploads, e.sampler, hub)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			tool.DefaultLogger.Infof("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port on 127.0.0.1 (overrides server.port)")
	return cmd
}
