package cmd

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5/util"
	"github.com/spf13/cobra"

	"github.com/agentic-research/bulkfs/internal/repofs"
	"github.com/agentic-research/bulkfs/internal/repository"
)

func newLsCmd(a *app) *cobra.Command {
	var (
		sidecars bool
		aspect   string
	)
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a repository subtree",
		Long: `Ls lists every node below path. --aspect restricts the listing to
nodes carrying that aspect, for example 'cm:titled'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			repo, closeRepo, err := a.openRepository(false)
			if err != nil {
				return err
			}
			defer func() { _ = closeRepo() }()

			root, err := repo.Root(cmd.Context())
			if err != nil {
				return err
			}
			if aspect != "" {
				return listAspect(cmd, repo, root, path, aspect)
			}
			var opts []repofs.Option
			if sidecars {
				dict, err := a.dictionary()
				if err != nil {
					return err
				}
				opts = append(opts, repofs.WithSidecars(dict, a.cfg.Metadata.Separator))
			}
			fs := repofs.New(repo, root, opts...)

			out := cmd.OutOrStdout()
			return util.Walk(fs, path, func(p string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.IsDir() {
					if name := fs.Join("/", p); name != "/" {
						_, _ = fmt.Fprintf(out, "%s/\n", name)
					}
					return nil
				}
				_, _ = fmt.Fprintf(out, "%s\t%s\n", fs.Join("/", p), humanBytes(info.Size()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&sidecars, "sidecars", false, "Include generated metadata sidecars")
	cmd.Flags().StringVar(&aspect, "aspect", "", "Only list nodes carrying this aspect")
	return cmd
}

func listAspect(cmd *cobra.Command, repo repository.Repository, root repository.NodeRef, path, aspect string) error {
	type entry struct {
		path string
		node *repository.Node
	}
	var entries []entry
	err := repo.View(cmd.Context(), func(tx repository.Tx) error {
		base, err := repository.ResolvePath(tx, root, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		refs, err := tx.WithAspect(aspect)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if ref == root {
				continue
			}
			if _, err := repository.PathOf(tx, base.Ref, ref); errors.Is(err, repository.ErrNotFound) {
				continue // outside path
			}
			p, err := repository.PathOf(tx, root, ref)
			if err != nil {
				return err
			}
			n, err := tx.Node(ref)
			if err != nil {
				return err
			}
			entries = append(entries, entry{path: p, node: n})
		}
		return nil
	})
	if err != nil {
		return err
	}
	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.path, b.path) })

	out := cmd.OutOrStdout()
	for _, e := range entries {
		if e.node.Content == nil {
			_, _ = fmt.Fprintf(out, "%s/\n", e.path)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s\t%s\n", e.path, humanBytes(e.node.ContentSize()))
	}
	return nil
}
