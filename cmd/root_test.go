package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the CLI in a fresh command tree and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.Execute()
	return out.String(), err
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func TestCLI_ImportListShow(t *testing.T) {
	t.Chdir(t.TempDir())
	store := filepath.Join(t.TempDir(), "repo.db")
	src := writeTree(t, map[string]string{
		"docs/a.txt":                     "alpha",
		"docs/a.txt.metadata.properties": "cm\\:title=Hello\n",
		"docs/b.txt":                     "beta",
	})

	out, err := run(t, "--store", store, "--log-level", "warn", "import", src, "--progress", "0")
	require.NoError(t, err, out)
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "content:  2 created, 0 replaced, 0 skipped")
	assert.Contains(t, out, "folders:  1 created")

	out, err = run(t, "--store", store, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "/docs/\n")
	assert.Contains(t, out, "/docs/a.txt\t5 B\n")
	assert.NotContains(t, out, "metadata.properties")

	out, err = run(t, "--store", store, "ls", "--sidecars", "/docs")
	require.NoError(t, err)
	assert.Contains(t, out, "/docs/a.txt.metadata.properties")

	out, err = run(t, "--store", store, "ls", "--aspect", "cm:titled")
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt\t5 B\n", out)

	out, err = run(t, "--store", store, "ls", "--aspect", "cm:titled", "/docs/b.txt")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = run(t, "--store", store, "show", "/docs/a.txt", "--select", `$.properties["cm:title"]`)
	require.NoError(t, err)
	assert.Equal(t, "\"Hello\"\n", out)

	out, err = run(t, "--store", store, "show", "/docs/a.txt", "--select", "$.versionLabel")
	require.NoError(t, err)
	assert.Equal(t, "\"1.0\"\n", out)

	out, err = run(t, "--store", store, "show", "/docs")
	require.NoError(t, err)
	assert.Contains(t, out, "cm:folder")
	assert.NotContains(t, out, "versionLabel")
}

func TestCLI_AddVersion(t *testing.T) {
	t.Chdir(t.TempDir())
	store := filepath.Join(t.TempDir(), "repo.db")

	_, err := run(t, "--store", store, "import", writeTree(t, map[string]string{"a.txt": "one"}), "--progress", "0")
	require.NoError(t, err)
	out, err := run(t, "--store", store, "import", writeTree(t, map[string]string{"a.txt": "two"}),
		"--progress", "0", "--existing-file-mode", "add_version")
	require.NoError(t, err)
	assert.Contains(t, out, "(ADD_VERSION)")
	assert.Contains(t, out, "1 versioned (1 versions)")

	out, err = run(t, "--store", store, "show", "a.txt", "--select", "$.versions[*].label")
	require.NoError(t, err)
	assert.Equal(t, "\"1.0\"\n", out)
}

func TestCLI_ReplaceExisting(t *testing.T) {
	t.Chdir(t.TempDir())
	store := filepath.Join(t.TempDir(), "repo.db")
	src := writeTree(t, map[string]string{"a.txt": "one"})

	_, err := run(t, "--store", store, "import", src, "--progress", "0")
	require.NoError(t, err)

	out, err := run(t, "--store", store, "import", src, "--progress", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "(SKIP)")
	assert.Contains(t, out, "1 skipped")

	out, err = run(t, "--store", store, "import", src, "--progress", "0", "--replace-existing")
	require.NoError(t, err)
	assert.Contains(t, out, "(REPLACE)")
	assert.Contains(t, out, "content:  0 created, 1 replaced")

	_, err = run(t, "--store", store, "import", src, "--replace-existing", "--existing-file-mode", "SKIP")
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestCLI_MemoryDriverAndConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bulkfs.yaml"), []byte(`
repository:
  driver: memory
import:
  batch_size: 1
  threads: 2
  exclude: ['\.tmp$']
log:
  level: error
`), 0o644))
	src := writeTree(t, map[string]string{"a.txt": "a", "b.tmp": "b", "c/d.txt": "d"})

	out, err := run(t, "import", src, "--progress", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "content:  2 created")
	assert.Contains(t, out, "3 batches")
	_, err = os.Stat(filepath.Join(dir, "bulkfs.db"))
	assert.True(t, os.IsNotExist(err), "memory driver writes no database")
}

func TestCLI_Errors(t *testing.T) {
	t.Chdir(t.TempDir())
	store := filepath.Join(t.TempDir(), "repo.db")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing source", []string{"import", filepath.Join(t.TempDir(), "nope")}, "invalid import parameters"},
		{"no source arg", []string{"import"}, "accepts 1 arg"},
		{"bad mode", []string{"import", t.TempDir(), "--existing-file-mode", "MERGE"}, "unknown existingFileMode"},
		{"unknown target", []string{"import", t.TempDir(), "--target-path", "/missing"}, "bad import request"},
		{"bad driver", []string{"--driver", "postgres", "ls"}, "config repository"},
		{"missing config", []string{"--config", "nope.yaml", "ls"}, "nope.yaml"},
		{"unknown node", []string{"show", "/missing"}, "node not found"},
		{"unknown ls path", []string{"ls", "--aspect", "cm:titled", "/missing"}, "node not found"},
		{"bad selector", []string{"show", "--select", "$[", "/"}, "parse selector"},
		{"bad ref", []string{"show", "--ref", "not-a-ref"}, "ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, append([]string{"--store", store}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.want))
		})
	}
}
