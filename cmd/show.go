package cmd

import (
	"fmt"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/bulkfs/internal/repository"
)

func newShowCmd(a *app) *cobra.Command {
	var (
		ref      string
		selector string
	)
	cmd := &cobra.Command{
		Use:   "show [path]",
		Short: "Print a node as JSON",
		Long: `Show prints a node, its metadata and its version history as JSON.
--select narrows the output with a JSONPath expression, for example
'$.properties["cm:title"]' or '$.versions[*].label'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			var x jp.Expr
			if selector != "" {
				var err error
				if x, err = jp.ParseString(selector); err != nil {
					return fmt.Errorf("parse selector: %w", err)
				}
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
			var view map[string]any
			err = repo.View(cmd.Context(), func(tx repository.Tx) error {
				n, err := lookupNode(tx, root, ref, path)
				if err != nil {
					return err
				}
				var versions []repository.Version
				if n.Content != nil {
					if versions, err = tx.Versions(n.Ref); err != nil {
						return err
					}
				}
				view = nodeView(n, versions)
				return nil
			})
			if err != nil {
				return err
			}

			opts := &oj.Options{Sort: true, Indent: 2, TimeFormat: time.RFC3339}
			out := cmd.OutOrStdout()
			if x == nil {
				_, _ = fmt.Fprintln(out, oj.JSON(view, opts))
				return nil
			}
			for _, v := range x.Get(view) {
				_, _ = fmt.Fprintln(out, oj.JSON(v, opts))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "Show the node with this reference instead of a path")
	cmd.Flags().StringVar(&selector, "select", "", "JSONPath expression applied to the output")
	return cmd
}

func lookupNode(tx repository.Tx, root repository.NodeRef, ref, path string) (*repository.Node, error) {
	if ref != "" {
		r, err := repository.ParseRef(ref)
		if err != nil {
			return nil, fmt.Errorf("node reference %q: %w", ref, err)
		}
		return tx.Node(r)
	}
	n, err := repository.ResolvePath(tx, root, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

// nodeView is the JSON shape of a node. Lists are []any so JSONPath
// filters apply to them.
func nodeView(n *repository.Node, versions []repository.Version) map[string]any {
	aspects := make([]any, len(n.Aspects))
	for i, a := range n.Aspects {
		aspects[i] = a
	}
	view := map[string]any{
		"ref":        string(n.Ref),
		"parent":     string(n.Parent),
		"name":       n.Name,
		"type":       n.Type,
		"aspects":    aspects,
		"properties": n.Properties,
		"created":    n.Created,
		"modified":   n.Modified,
	}
	if n.Content == nil {
		return view
	}
	view["size"] = n.ContentSize()
	view["versionLabel"] = n.VersionLabel
	history := make([]any, len(versions))
	for i, v := range versions {
		history[i] = map[string]any{
			"label":      v.Label,
			"size":       int64(len(v.Content)),
			"properties": v.Properties,
			"created":    v.Created,
		}
	}
	view["versions"] = history
	return view
}
