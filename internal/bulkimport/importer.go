// Package bulkimport imports a filesystem tree into the repository: a
// producer walks the source depth-first and creates folders, a fixed pool of
// workers writes batches of files, each batch in one retrying transaction.
package bulkimport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/bulkfs/internal/dictionary"
	"github.com/agentic-research/bulkfs/internal/metadata"
	"github.com/agentic-research/bulkfs/internal/repository"
	"github.com/agentic-research/bulkfs/internal/telemetry"
)

const sourceRoot = "/"

// Importer runs at most one import at a time and keeps the status of the
// current or last run.
type Importer struct {
	repo    repository.Repository
	dict    *dictionary.Dictionary
	loader  *metadata.Loader
	log     zerolog.Logger
	metrics *telemetry.Metrics
	status  *Status

	retryInterval time.Duration

	mu   sync.Mutex
	done chan struct{}
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(im *Importer) { im.log = log }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(im *Importer) { im.metrics = m }
}

// WithLoader replaces the metadata loader.
func WithLoader(l *metadata.Loader) Option {
	return func(im *Importer) { im.loader = l }
}

// WithRetryInterval sets the first backoff interval between transaction retries.
func WithRetryInterval(d time.Duration) Option {
	return func(im *Importer) { im.retryInterval = d }
}

// New returns an idle importer writing into repo.
func New(repo repository.Repository, dict *dictionary.Dictionary, opts ...Option) *Importer {
	im := &Importer{
		repo:    repo,
		dict:    dict,
		log:     zerolog.Nop(),
		metrics: telemetry.Noop(),
		status:  NewStatus(),
	}
	for _, opt := range opts {
		opt(im)
	}
	if im.loader == nil {
		im.loader = metadata.NewLoader(dict, metadata.WithLogger(im.log))
	}
	return im
}

// Start validates p and begins a run in the background. It returns
// ErrImportInProgress while another run is active. The run is not bound to
// ctx's cancellation; use Stop.
func (im *Importer) Start(ctx context.Context, p Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !im.status.TryStart(p) {
		return ErrImportInProgress
	}
	done := make(chan struct{})
	im.mu.Lock()
	im.done = done
	im.mu.Unlock()

	im.log.Info().
		Str("source", p.SourceName).
		Str("target", p.TargetName).
		Str("policy", string(p.Policy)).
		Int("batch_size", p.BatchSize).
		Int("threads", p.Threads).
		Msg("import started")

	go im.run(context.WithoutCancel(ctx), p, done)
	return nil
}

// Run starts an import and waits for it to end.
func (im *Importer) Run(ctx context.Context, p Parameters) (Snapshot, error) {
	if err := im.Start(ctx, p); err != nil {
		return im.Status(), err
	}
	return im.Wait(ctx)
}

// Wait blocks until the current run ends or ctx is done.
func (im *Importer) Wait(ctx context.Context) (Snapshot, error) {
	im.mu.Lock()
	done := im.done
	im.mu.Unlock()
	if done == nil {
		return im.Status(), nil
	}
	select {
	case <-done:
		return im.Status(), nil
	case <-ctx.Done():
		return im.Status(), ctx.Err()
	}
}

// Stop asks a running import to stop after its in-flight batches. Batches
// still queued are discarded. It reports whether a run was stopping.
func (im *Importer) Stop() bool {
	if !im.status.RequestStop() {
		return false
	}
	im.log.Info().Msg("import stop requested")
	return true
}

// Status returns a snapshot of the current or last run.
func (im *Importer) Status() Snapshot {
	return im.status.Snapshot()
}

// batch is a group of sibling items sharing one transaction. Every item's
// Parent is set.
type batch struct {
	items []*ImportableItem
}

type itemFailure struct {
	item *ImportableItem
	err  error
}

// runner holds the state of one run.
type runner struct {
	im      *Importer
	p       Parameters
	scanner *Scanner
	nodes   *NodeImporter
	log     zerolog.Logger
}

func (im *Importer) run(ctx context.Context, p Parameters, done chan struct{}) {
	defer close(done)
	if p.DisableRules {
		ctx = repository.WithRulesDisabled(ctx)
	}
	r := &runner{
		im:      im,
		p:       p,
		scanner: NewScanner(p.Source, p.Filter),
		nodes:   NewNodeImporter(p.Source, im.dict, im.loader, im.log),
		log:     im.log,
	}

	queue := make(chan batch, p.queueDepth())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Threads; i++ {
		g.Go(func() error { return r.work(gctx, queue) })
	}
	err := r.produce(gctx, queue)
	if err != nil {
		im.status.abort()
	}
	close(queue)
	// A worker's fatal error cancels the producer; the worker's error is the cause.
	if werr := g.Wait(); werr != nil && (err == nil || errors.Is(err, context.Canceled)) {
		err = werr
	}

	state := im.status.finish(err)
	snap := im.status.Snapshot()
	ev := im.log.Info()
	if state == StateFailed {
		ev = im.log.Error()
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Str("last_error", snap.LastError)
		}
	}
	ev.Str("state", string(state)).
		Int64("successes", snap.Successes).
		Int64("failures", snap.Failures).
		Dur("elapsed", snap.Elapsed).
		Msg("import finished")
}

// produce walks the source depth-first. Folders of a directory are created
// synchronously so their children are only ever queued under an existing node.
func (r *runner) produce(ctx context.Context, queue chan<- batch) error {
	return r.walk(ctx, queue, &ImportableItem{Path: sourceRoot, IsDirectory: true}, r.p.Target)
}

func (r *runner) walk(ctx context.Context, queue chan<- batch, folder *ImportableItem, parent repository.NodeRef) error {
	if r.im.status.halted() {
		return nil
	}
	dir := folder.Path
	listing, err := r.scanner.Scan(dir)
	if err != nil {
		if dir == sourceRoot {
			return fatal("scan source", err)
		}
		r.log.Warn().Str("path", dir).Err(err).Msg("directory unreadable, skipping subtree")
		r.im.status.unreadable()
		r.im.status.fail(dir, err, r.p.FailureThreshold)
		r.im.metrics.Item(ctx, telemetry.OutcomeFailed)
		return nil
	}
	r.im.status.scanned(listing)
	for _, u := range listing.Unreadable {
		r.log.Warn().Str("path", u).Msg("entry cannot be imported")
	}

	var folders []ItemResult
	for chunk := range slices.Chunk(listing.Folders, r.p.BatchSize) {
		if r.im.status.halted() {
			return nil
		}
		for _, f := range chunk {
			f.Parent = parent
		}
		results, err := r.process(ctx, batch{items: chunk})
		if err != nil {
			return err
		}
		folders = append(folders, results...)
	}

	for chunk := range slices.Chunk(listing.Files, r.p.BatchSize) {
		for _, f := range chunk {
			f.Parent = parent
		}
		if r.im.status.halted() {
			return nil
		}
		select {
		case queue <- batch{items: chunk}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, res := range folders {
		if err := r.walk(ctx, queue, res.Item, res.Ref); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) work(ctx context.Context, queue <-chan batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-queue:
			if !ok {
				return nil
			}
			if r.im.status.halted() {
				continue
			}
			r.im.status.workerBusy(1)
			_, err := r.process(ctx, b)
			r.im.status.workerBusy(-1)
			if err != nil {
				return err
			}
		}
	}
}

// process imports one batch in a retrying transaction. Items that fail are
// rolled back to their savepoint and recorded; the rest commit together.
// Only fatal errors are returned. Status is updated after the transaction
// ends, so a retried batch is never counted twice.
func (r *runner) process(ctx context.Context, b batch) ([]ItemResult, error) {
	var (
		results []ItemResult
		failed  []itemFailure
	)
	policy := repository.RetryPolicy{
		MaxRetries:      r.p.MaxRetries,
		InitialInterval: r.im.retryInterval,
		OnRetry: func(err error, wait time.Duration) {
			r.im.status.retried()
			r.im.metrics.Retry(ctx)
			r.log.Debug().Err(err).Dur("wait", wait).Int("items", len(b.items)).Msg("retrying batch")
		},
	}
	start := time.Now()
	err := repository.WithRetryingTransaction(ctx, r.im.repo, policy, func(tx repository.Tx) error {
		results, failed = results[:0], failed[:0]
		for _, item := range b.items {
			var res ItemResult
			err := tx.Savepoint(func() error {
				var err error
				res, err = r.nodes.ImportItem(tx, item, r.p.Policy)
				return err
			})
			switch {
			case err == nil:
				results = append(results, res)
			case IsFatal(err), repository.IsTransient(err):
				return err
			default:
				failed = append(failed, itemFailure{item: item, err: err})
			}
		}
		return nil
	})
	r.im.metrics.Batch(ctx, time.Since(start), err == nil)

	if err != nil {
		if IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}
		r.log.Warn().Err(err).Int("items", len(b.items)).Msg("batch failed")
		for _, item := range b.items {
			r.im.status.fail(item.Path, fmt.Errorf("batch failed: %w", err), r.p.FailureThreshold)
			r.im.metrics.Item(ctx, telemetry.OutcomeFailed)
		}
		return nil, nil
	}

	r.im.status.commit(results, failed, r.p.FailureThreshold)
	for _, res := range results {
		r.im.metrics.Item(ctx, res.Outcome.String())
		r.im.metrics.Bytes(ctx, res.Bytes)
		if res.MetadataErr != nil {
			r.im.metrics.Item(ctx, telemetry.OutcomeFailed)
		}
	}
	for _, f := range failed {
		r.log.Warn().Str("path", f.item.Path).Err(f.err).Msg("item not imported")
		r.im.metrics.Item(ctx, telemetry.OutcomeFailed)
	}
	r.log.Debug().Int("committed", len(results)).Int("failed", len(failed)).Msg("batch committed")
	return results, nil
}
