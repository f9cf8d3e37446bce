package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alucardeht/libspecd/internal/rpc"
)

var workspaceFolders []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve library queries as JSON-RPC on stdin/stdout",
	Long: `Starts the spec manager with file watching enabled and serves JSON-RPC 2.0
requests framed with Content-Length headers on stdin/stdout.

Logs go to stderr. The process exits when the peer disconnects, sends
"shutdown" or the process is interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringSliceVarP(&workspaceFolders, "workspace", "w", nil, "workspace folder to register at startup (repeatable)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := openService(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	for _, folder := range workspaceFolders {
		if err := svc.manager.AddWorkspaceFolder(folder); err != nil {
			log.Warn("failed to register workspace folder", "path", folder, "error", err)
		}
	}

	return rpc.NewServer(svc.manager).ServeStdio(ctx, os.Stdin, os.Stdout)
}
