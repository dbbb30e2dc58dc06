package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/bulkfs/internal/logging"
	"github.com/agentic-research/bulkfs/internal/repofs"
)

func newNFSCmd(a *app) *cobra.Command {
	var (
		addr  string
		mount string
	)
	cmd := &cobra.Command{
		Use:   "nfs",
		Short: "Export the repository read-only over NFSv3",
		Long: `Nfs serves the repository tree with a generated
<name>.metadata.properties sidecar beside every node carrying metadata, so a
mounted export can be imported elsewhere unchanged. --mount also mounts the
export locally (requires sudo) and unmounts it on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, closeRepo, err := a.openRepository(false)
			if err != nil {
				return err
			}
			defer func() { _ = closeRepo() }()

			dict, err := a.dictionary()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			root, err := repo.Root(ctx)
			if err != nil {
				return err
			}
			fs := repofs.New(repo, root, repofs.WithSidecars(dict, a.cfg.Metadata.Separator))
			export, err := repofs.Serve(fs, addr, repofs.WithExportLogger(logging.Component(a.log, "nfs")))
			if err != nil {
				return err
			}
			defer func() { _ = export.Close() }()

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "NFS export on %s\n", export.Addr())
			if mount != "" {
				if err := repofs.Mount(ctx, repofs.MountOptions{Port: export.Port(), Mountpoint: mount}); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Mounted at %s. Press Ctrl-C to unmount.\n", mount)
				defer func() {
					if err := repofs.Unmount(context.Background(), mount); err != nil {
						a.log.Warn().Err(err).Str("mountpoint", mount).Msg("unmount failed")
					}
				}()
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:0", "NFS listen address")
	cmd.Flags().StringVar(&mount, "mount", "", "Mount the export at this directory")
	return cmd
}
