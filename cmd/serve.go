package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/bulkfs/internal/logging"
	"github.com/agentic-research/bulkfs/internal/repofs"
	"github.com/agentic-research/bulkfs/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr, nfsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the import HTTP API",
		Long: `Serve exposes POST /api/imports, GET /api/imports/status and
POST /api/imports/stop. With --nfs-addr the repository is also exported
read-only over NFS, with the live import status at /` + repofs.StatusFile + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			repo, closeRepo, err := a.openRepository(true)
			if err != nil {
				return err
			}
			defer func() { _ = closeRepo() }()

			dict, err := a.dictionary()
			if err != nil {
				return err
			}
			defaults, err := a.importDefaults()
			if err != nil {
				return err
			}
			im, flush, err := a.newImporter(repo, dict, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = flush(context.Background()) }()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if nfsAddr != "" {
				root, err := repo.Root(ctx)
				if err != nil {
					return err
				}
				fs := repofs.New(repo, root,
					repofs.WithSidecars(dict, a.cfg.Metadata.Separator),
					repofs.WithStatus(func() any { return im.Status() }),
				)
				export, err := repofs.Serve(fs, nfsAddr, repofs.WithExportLogger(logging.Component(a.log, "nfs")))
				if err != nil {
					return err
				}
				defer func() { _ = export.Close() }()
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "NFS export on %s\n", export.Addr())
			}

			srv := server.New(im, repo, defaults, logging.Component(a.log, "http"))
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", addr)
			err = srv.ListenAndServe(ctx, addr)

			if im.Stop() {
				a.log.Info().Msg("waiting for running import to stop")
			}
			_, _ = im.Wait(context.Background())
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&nfsAddr, "nfs-addr", "", "Also export the repository over NFS on this address")
	return cmd
}
