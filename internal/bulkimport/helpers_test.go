package bulkimport

import (
	"context"
	"errors"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/bulkfs/api"
	"github.com/agentic-research/bulkfs/internal/dictionary"
	"github.com/agentic-research/bulkfs/internal/repository"
)

// sourceTree builds an in-memory source. Keys ending in "/" are empty folders.
func sourceTree(t *testing.T, files map[string]string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for name, content := range files {
		if strings.HasSuffix(name, "/") {
			require.NoError(t, fs.MkdirAll(name, 0o755))
			continue
		}
		if dir := path.Dir(name); dir != "." && dir != "/" {
			require.NoError(t, fs.MkdirAll(dir, 0o755))
		}
		require.NoError(t, util.WriteFile(fs, name, []byte(content), 0o644))
	}
	return fs
}

func testParams(fs billy.Filesystem, target repository.NodeRef) Parameters {
	return Parameters{
		Source:     fs,
		SourceName: "memfs",
		Target:     target,
		TargetName: "/",
		Policy:     api.Skip,
		BatchSize:  1,
		Threads:    1,
		MaxRetries: 3,
	}
}

func newImporter(repo repository.Repository) *Importer {
	return New(repo, dictionary.Builtin(), WithRetryInterval(time.Millisecond))
}

func rootOf(t *testing.T, repo repository.Repository) repository.NodeRef {
	t.Helper()
	root, err := repo.Root(context.Background())
	require.NoError(t, err)
	return root
}

func runImport(t *testing.T, im *Importer, p Parameters) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := im.Run(ctx, p)
	require.NoError(t, err)
	return snap
}

func nodeAt(t *testing.T, repo repository.Repository, p string) *repository.Node {
	t.Helper()
	var n *repository.Node
	require.NoError(t, repo.View(context.Background(), func(tx repository.Tx) error {
		var err error
		n, err = repository.ResolvePath(tx, rootOf(t, repo), p)
		return err
	}))
	return n
}

func countNodes(t *testing.T, repo repository.Repository) int {
	t.Helper()
	n, err := repository.Count(context.Background(), repo, rootOf(t, repo))
	require.NoError(t, err)
	return n
}

// gateRepo holds every write transaction until release is closed and
// signals entered when the first one arrives.
type gateRepo struct {
	repository.Repository
	entered chan struct{}
	release chan struct{}
}

func newGateRepo(inner repository.Repository) *gateRepo {
	return &gateRepo{Repository: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gateRepo) Update(ctx context.Context, fn func(repository.Tx) error) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Repository.Update(ctx, fn)
}

// conflictRepo runs fn and then reports a conflict for the first failures
// write transactions, so the store rolls every one of them back.
type conflictRepo struct {
	repository.Repository
	failures int64
	calls    atomic.Int64
}

func (c *conflictRepo) Update(ctx context.Context, fn func(repository.Tx) error) error {
	n := c.calls.Add(1)
	if c.failures < 0 || n <= c.failures {
		return c.Repository.Update(ctx, func(tx repository.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return repository.ErrConflict
		})
	}
	return c.Repository.Update(ctx, fn)
}

// lockedFS fails ReadDir for the listed directories.
type lockedFS struct {
	billy.Filesystem
	locked map[string]bool
}

func (l *lockedFS) ReadDir(p string) ([]os.FileInfo, error) {
	if l.locked[p] {
		return nil, errors.New("permission denied")
	}
	return l.Filesystem.ReadDir(p)
}
