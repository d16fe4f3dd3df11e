// Package cli implements the courseupload command-line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	logMode    string
	stateDir   string

	cfg types.AppConfig
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Each call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "courseupload",
		Short: "Resumable, encrypted multipart uploads of course videos",
		Long: `courseupload moves course video files into S3-compatible storage.

Files are split into parts, uploaded with network-adaptive concurrency,
checkpointed locally so an interrupted upload resumes where it stopped,
and optionally encrypted on the client with AES-256-GCM.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			tool.InitLogger()
			tool.SetLogMode(g.logMode)
			cfg, err := tool.LoadConfig(g.configPath)
			if err != nil {
				return err
			}
			if g.stateDir != "" {
				cfg.StateDir = g.stateDir
			}
			g.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "config.yaml", "Path to the config file")
	root.PersistentFlags().StringVar(&g.logMode, "log", "prod", "Log mode: dev, prod or none")
	root.PersistentFlags().StringVar(&g.stateDir, "state-dir", "", "Directory for session checkpoints and spool files")

	root.AddCommand(
		newUploadCmd(g),
		newResumeCmd(g),
		newListCmd(g),
		newDiscardCmd(g),
		newProbeCmd(g),
		newServeCmd(g),
	)
	return root
}
