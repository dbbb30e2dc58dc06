package bulkimport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/agentic-research/bulkfs/api"
	"github.com/agentic-research/bulkfs/internal/repository"
)

// Parameters configure one import run. They are fixed once the run starts.
type Parameters struct {
	// Source is the tree being imported; SourceName is how it is reported.
	Source     billy.Filesystem
	SourceName string

	// Target is the folder the tree is imported into; TargetName is how it
	// is reported.
	Target     repository.NodeRef
	TargetName string

	Policy       api.ExistingFileMode
	BatchSize    int
	Threads      int
	DisableRules bool

	// MaxRetries bounds re-runs of a batch transaction after transient failures.
	MaxRetries int
	// QueueDepth bounds batches waiting for a worker; 0 means 2*Threads.
	QueueDepth int
	// FailureThreshold fails the run once this many items failed; 0 is unlimited.
	FailureThreshold int

	Filter *Filter
}

// Validate checks the parameters before a run starts.
func (p Parameters) Validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.Source, validation.Required),
		validation.Field(&p.Target, validation.Required),
		validation.Field(&p.Policy, validation.Required, validation.In(api.Skip, api.Replace, api.AddVersion)),
		validation.Field(&p.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&p.Threads, validation.Required, validation.Min(1)),
		validation.Field(&p.MaxRetries, validation.Min(0)),
		validation.Field(&p.QueueDepth, validation.Min(0)),
		validation.Field(&p.FailureThreshold, validation.Min(0)),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	return nil
}

func (p Parameters) queueDepth() int {
	if p.QueueDepth > 0 {
		return p.QueueDepth
	}
	return 2 * p.Threads
}

// Defaults fill request fields the caller left empty.
type Defaults struct {
	BatchSize        int
	Threads          int
	MaxRetries       int
	QueueDepth       int
	FailureThreshold int
	Filter           *Filter
}

// ParsePolicy collapses the legacy replaceExisting flag and the
// existingFileMode enum into one mode. Setting both is a configuration
// error; setting neither means SKIP.
func ParsePolicy(replaceExisting *bool, mode string) (api.ExistingFileMode, error) {
	mode = strings.TrimSpace(mode)
	switch {
	case replaceExisting != nil && mode != "":
		return "", fmt.Errorf("%w: replaceExisting and existingFileMode are mutually exclusive", ErrInvalidParameters)
	case replaceExisting != nil:
		if *replaceExisting {
			return api.Replace, nil
		}
		return api.Skip, nil
	case mode == "":
		return api.Skip, nil
	}
	m := api.ExistingFileMode(strings.ToUpper(mode))
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown existingFileMode %q", ErrInvalidParameters, mode)
	}
	return m, nil
}

// ParametersFromRequest resolves a wire request against the repository and
// the local filesystem.
func ParametersFromRequest(ctx context.Context, repo repository.Repository, req api.ImportRequest, d Defaults) (Parameters, error) {
	policy, err := ParsePolicy(req.ReplaceExisting, req.ExistingFileMode)
	if err != nil {
		return Parameters{}, err
	}
	target, targetName, err := resolveTarget(ctx, repo, req.TargetNodeRef, req.TargetPath)
	if err != nil {
		return Parameters{}, err
	}

	p := Parameters{
		Target:           target,
		TargetName:       targetName,
		Policy:           policy,
		BatchSize:        firstPositive(req.BatchSize, d.BatchSize),
		Threads:          firstPositive(req.NumThreads, d.Threads),
		DisableRules:     req.DisableRules,
		MaxRetries:       d.MaxRetries,
		QueueDepth:       d.QueueDepth,
		FailureThreshold: d.FailureThreshold,
		Filter:           d.Filter,
	}
	if req.BatchSize < 0 {
		p.BatchSize = req.BatchSize
	}
	if req.NumThreads < 0 {
		p.Threads = req.NumThreads
	}

	if req.SourceDirectory != "" {
		abs, err := filepath.Abs(req.SourceDirectory)
		if err != nil {
			return Parameters{}, fmt.Errorf("%w: source directory: %w", ErrInvalidParameters, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return Parameters{}, fmt.Errorf("%w: source directory: %w", ErrInvalidParameters, err)
		}
		if !info.IsDir() {
			return Parameters{}, fmt.Errorf("%w: source %s is not a directory", ErrInvalidParameters, abs)
		}
		p.Source = osfs.New(abs)
		p.SourceName = abs
	}
	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

func resolveTarget(ctx context.Context, repo repository.Repository, ref, path string) (repository.NodeRef, string, error) {
	switch {
	case ref == "" && path == "":
		return "", "", fmt.Errorf("%w: a target node reference or target path is required", ErrBadRequest)
	case ref != "" && path != "":
		return "", "", fmt.Errorf("%w: give either a target node reference or a target path, not both", ErrBadRequest)
	}

	root, err := repo.Root(ctx)
	if err != nil {
		return "", "", fmt.Errorf("resolve target: %w", err)
	}
	var target *repository.Node
	err = repo.View(ctx, func(tx repository.Tx) error {
		if ref == "" {
			var err error
			target, err = repository.ResolvePath(tx, root, path)
			return err
		}
		parsed, err := repository.ParseRef(ref)
		if err != nil {
			return fmt.Errorf("target node reference %q: %w", ref, err)
		}
		target, err = tx.Node(parsed)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || ref != "" {
			return "", "", fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		return "", "", fmt.Errorf("resolve target: %w", err)
	}
	if target.Content != nil {
		return "", "", fmt.Errorf("%w: target %s is not a folder", ErrBadRequest, target.Ref)
	}
	name := path
	if name == "" {
		name = string(target.Ref)
	}
	return target.Ref, name, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
