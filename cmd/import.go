package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentic-research/bulkfs/api"
	"github.com/agentic-research/bulkfs/internal/bulkimport"
)

type importFlags struct {
	targetPath   string
	targetRef    string
	batchSize    int
	threads      int
	replace      bool
	mode         string
	disableRules bool
	progress     time.Duration
}

func newImportCmd(a *app) *cobra.Command {
	var f importFlags
	cmd := &cobra.Command{
		Use:   "import <source-directory>",
		Short: "Import a directory tree into the repository",
		Long: `Import walks the source directory and writes every folder and file into
the repository under the target folder, with metadata taken from
<name>.metadata.properties or <name>.metadata.properties.xml sidecars and
version history from <name>.v<N> files.

Ctrl-C stops the import after the batches already being written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.ImportRequest{
				SourceDirectory:  args[0],
				TargetNodeRef:    f.targetRef,
				TargetPath:       f.targetPath,
				BatchSize:        f.batchSize,
				NumThreads:       f.threads,
				ExistingFileMode: f.mode,
				DisableRules:     f.disableRules,
			}
			if f.targetRef != "" && !cmd.Flags().Changed("target-path") {
				req.TargetPath = ""
			}
			if cmd.Flags().Changed("replace-existing") {
				req.ReplaceExisting = &f.replace
			}
			return a.runImport(cmd, req, f.progress)
		},
	}
	cmd.Flags().StringVar(&f.targetPath, "target-path", "/", "Repository folder path to import into")
	cmd.Flags().StringVar(&f.targetRef, "target-ref", "", "Node reference of the folder to import into")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "Files per transaction (default from config)")
	cmd.Flags().IntVar(&f.threads, "threads", 0, "Concurrent batch workers (default from config)")
	cmd.Flags().BoolVar(&f.replace, "replace-existing", false, "Replace existing nodes (legacy; prefer --existing-file-mode)")
	cmd.Flags().StringVar(&f.mode, "existing-file-mode", "", "SKIP, REPLACE or ADD_VERSION")
	cmd.Flags().BoolVar(&f.disableRules, "disable-rules", false, "Do not run repository rules on imported nodes")
	cmd.Flags().DurationVar(&f.progress, "progress", 2*time.Second, "Progress report interval (0 disables)")
	return cmd
}

func (a *app) runImport(cmd *cobra.Command, req api.ImportRequest, every time.Duration) error {
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

	p, err := bulkimport.ParametersFromRequest(ctx, repo, req, defaults)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Importing %s into %s (%s)...\n", p.SourceName, p.TargetName, p.Policy)
	if err := im.Start(ctx, p); err != nil {
		return err
	}

	snap := waitForImport(ctx, im, out, every)
	printSummary(out, snap)
	if snap.State == bulkimport.StateFailed {
		return fmt.Errorf("import failed: %s", snap.LastError)
	}
	return nil
}

// waitForImport reports progress until the run ends. A cancelled ctx asks the
// run to stop and keeps waiting for it to wind down.
func waitForImport(ctx context.Context, im *bulkimport.Importer, out io.Writer, every time.Duration) bulkimport.Snapshot {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	done := make(chan bulkimport.Snapshot, 1)
	go func() {
		snap, _ := im.Wait(context.Background())
		done <- snap
	}()

	interrupted := ctx.Done()
	for {
		select {
		case snap := <-done:
			return snap
		case <-interrupted:
			interrupted = nil
			if im.Stop() {
				_, _ = fmt.Fprintln(out, "Stopping after in-flight batches...")
			}
		case <-tick:
			s := im.Status()
			_, _ = fmt.Fprintf(out, "  %d folders, %d files, %s written, %d failures, %.1f files/s\n",
				s.FoldersCreated+s.FoldersReplaced+s.FoldersSkipped,
				s.ContentCreated+s.ContentReplaced+s.ContentSkipped+s.ContentVersioned,
				humanBytes(s.BytesWritten), s.Failures, s.FilesPerSecond)
		}
	}
}

func printSummary(out io.Writer, s bulkimport.Snapshot) {
	_, _ = fmt.Fprintf(out, "%s in %v.\n", s.State, s.Elapsed.Round(time.Millisecond))
	_, _ = fmt.Fprintf(out, "  scanned:  %d folders, %d files, %s\n", s.FoldersScanned, s.FilesScanned, humanBytes(s.BytesScanned))
	_, _ = fmt.Fprintf(out, "  folders:  %d created, %d replaced, %d skipped\n", s.FoldersCreated, s.FoldersReplaced, s.FoldersSkipped)
	_, _ = fmt.Fprintf(out, "  content:  %d created, %d replaced, %d skipped, %d versioned (%d versions)\n",
		s.ContentCreated, s.ContentReplaced, s.ContentSkipped, s.ContentVersioned, s.VersionsCreated)
	_, _ = fmt.Fprintf(out, "  written:  %s, %d properties, %d batches (%d retried)\n",
		humanBytes(s.BytesWritten), s.PropertiesWritten, s.BatchesCompleted, s.BatchesRetried)
	if s.UnreadableEntries > 0 {
		_, _ = fmt.Fprintf(out, "  unreadable entries: %d\n", s.UnreadableEntries)
	}
	if s.Failures > 0 {
		_, _ = fmt.Fprintf(out, "  failures: %d\n", s.Failures)
		for _, f := range s.RecentFailures {
			_, _ = fmt.Fprintf(out, "    %s: %s\n", f.Path, f.Message)
		}
	}
}

func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
