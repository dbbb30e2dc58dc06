package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentic-research/bulkfs/internal/bulkimport"
	"github.com/agentic-research/bulkfs/internal/config"
	"github.com/agentic-research/bulkfs/internal/dictionary"
	"github.com/agentic-research/bulkfs/internal/logging"
	"github.com/agentic-research/bulkfs/internal/metadata"
	"github.com/agentic-research/bulkfs/internal/repository"
	"github.com/agentic-research/bulkfs/internal/telemetry"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	storePath  string
	driver     string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "bulkfs",
		Short:         "Bulk-import filesystem trees into a content repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Path to bulkfs.yaml")
	pf.StringVar(&a.storePath, "store", "", "Repository database path (overrides repository.path)")
	pf.StringVar(&a.driver, "driver", "", "Repository driver: sqlite or memory (overrides repository.driver)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level (overrides log.level)")
	pf.StringVar(&a.logFormat, "log-format", "", "Log format: console or json (overrides log.format)")

	root.AddCommand(
		newImportCmd(a),
		newServeCmd(a),
		newLsCmd(a),
		newShowCmd(a),
		newNFSCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.storePath != "" {
		cfg.Repository.Path = a.storePath
	}
	if a.driver != "" {
		cfg.Repository.Driver = a.driver
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

// openRepository opens the configured store. Writers hold the store lock
// until the returned close func runs.
func (a *app) openRepository(write bool) (repository.Repository, func() error, error) {
	rules := repository.WithRules(repository.AuditableRule(a.cfg.Import.User, nil))
	if a.cfg.Repository.Driver == config.DriverMemory {
		repo := repository.NewMemoryStore(rules)
		return repo, repo.Close, nil
	}

	path := a.cfg.Repository.Path
	var lock *repository.FileLock
	if write {
		var err error
		if lock, err = repository.Lock(path); err != nil {
			if errors.Is(err, repository.ErrLocked) {
				return nil, nil, fmt.Errorf("%s: %w", path, err)
			}
			return nil, nil, err
		}
	}
	repo, err := repository.OpenSQLite(path, rules)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, nil, err
	}
	a.log.Debug().Str("path", path).Bool("write", write).Msg("repository opened")
	closer := func() error {
		err := repo.Close()
		if lock != nil {
			err = errors.Join(err, lock.Unlock())
		}
		return err
	}
	return repo, closer, nil
}

func (a *app) dictionary() (*dictionary.Dictionary, error) {
	dict, err := dictionary.Load(a.cfg.Dictionary.Path)
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}
	return dict, nil
}

// newImporter wires an importer with the configured loader and metrics. The
// returned func flushes metrics.
func (a *app) newImporter(repo repository.Repository, dict *dictionary.Dictionary, metricsOut io.Writer) (*bulkimport.Importer, func(context.Context) error, error) {
	mp, shutdown, err := telemetry.Setup(a.cfg.Telemetry.Enabled, metricsOut, a.cfg.Telemetry.Interval)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		return nil, nil, err
	}
	log := logging.Component(a.log, "importer")
	loader := metadata.NewLoader(dict,
		metadata.WithSeparator(a.cfg.Metadata.Separator),
		metadata.WithLogger(logging.Component(a.log, "metadata")),
	)
	im := bulkimport.New(repo, dict,
		bulkimport.WithLogger(log),
		bulkimport.WithLoader(loader),
		bulkimport.WithMetrics(metrics),
	)
	return im, shutdown, nil
}

func (a *app) importDefaults() (bulkimport.Defaults, error) {
	filter, err := bulkimport.NewFilter(a.cfg.Import.SkipHidden, a.cfg.Import.Exclude)
	if err != nil {
		return bulkimport.Defaults{}, err
	}
	return bulkimport.Defaults{
		BatchSize:        a.cfg.Import.BatchSize,
		Threads:          a.cfg.Import.Threads,
		MaxRetries:       a.cfg.Import.MaxRetries,
		QueueDepth:       a.cfg.Import.QueueDepth,
		FailureThreshold: a.cfg.Import.FailureThreshold,
		Filter:           filter,
	}, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
