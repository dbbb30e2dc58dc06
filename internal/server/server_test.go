package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/bulkfs/internal/bulkimport"
	"github.com/agentic-research/bulkfs/internal/dictionary"
	"github.com/agentic-research/bulkfs/internal/repository"
)

// heldRepo blocks write transactions until release is closed.
type heldRepo struct {
	repository.Repository
	entered chan struct{}
	release chan struct{}
}

func (h *heldRepo) Update(ctx context.Context, fn func(repository.Tx) error) error {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release
	return h.Repository.Update(ctx, fn)
}

func setup(t *testing.T, repo repository.Repository) (*httptest.Server, *bulkimport.Importer) {
	t.Helper()
	im := bulkimport.New(repo, dictionary.Builtin())
	d := bulkimport.Defaults{BatchSize: 10, Threads: 2, MaxRetries: 1}
	ts := httptest.NewServer(New(im, repo, d, zerolog.Nop()).Routes())
	t.Cleanup(ts.Close)
	return ts, im
}

func sourceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644))
	return dir
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// importBody encodes a request for src into "/" with extra fields merged in.
func importBody(t *testing.T, src string, extra map[string]any) string {
	t.Helper()
	req := map[string]any{"sourceDirectory": src, "targetPath": "/"}
	for k, v := range extra {
		if v == nil {
			delete(req, k)
			continue
		}
		req[k] = v
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return string(b)
}

func waitIdle(t *testing.T, im *bulkimport.Importer) bulkimport.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := im.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestHealth(t *testing.T) {
	ts, _ := setup(t, repository.NewMemoryStore())
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestStartImport(t *testing.T) {
	repo := repository.NewMemoryStore()
	ts, im := setup(t, repo)

	resp, body := post(t, ts.URL+"/api/imports", importBody(t, sourceDir(t), map[string]any{"existingFileMode": "REPLACE"}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, "REPLACE", body["policy"])
	assert.EqualValues(t, 10, body["batchSize"])
	assert.EqualValues(t, 2, body["threads"])

	waitIdle(t, im)
	statusResp, err := http.Get(ts.URL + "/api/imports/status")
	require.NoError(t, err)
	defer func() { _ = statusResp.Body.Close() }()
	var snap bulkimport.Snapshot
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&snap))
	assert.Equal(t, bulkimport.StateCompleted, snap.State)
	assert.False(t, snap.InProgress)
	assert.EqualValues(t, 2, snap.ContentCreated)
	assert.EqualValues(t, 1, snap.FoldersCreated)
	assert.EqualValues(t, 3, snap.BytesWritten)

	n, err := repository.Count(context.Background(), repo, snapRoot(t, repo))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func snapRoot(t *testing.T, repo repository.Repository) repository.NodeRef {
	t.Helper()
	root, err := repo.Root(context.Background())
	require.NoError(t, err)
	return root
}

func TestStartImport_BadRequests(t *testing.T) {
	ts, im := setup(t, repository.NewMemoryStore())
	src := sourceDir(t)

	tests := map[string]string{
		"malformed json": `{"sourceDirectory":`,
		"unknown field":  `{"sourceDir":"/tmp","targetPath":"/"}`,
		"no target":      importBody(t, src, map[string]any{"targetPath": nil}),
		"missing target": importBody(t, src, map[string]any{"targetPath": "/nope"}),
		"both policies":  importBody(t, src, map[string]any{"replaceExisting": true, "existingFileMode": "SKIP"}),
		"bad mode":       importBody(t, src, map[string]any{"existingFileMode": "MERGE"}),
		"missing source": importBody(t, filepath.Join(src, "absent"), nil),
		"bad threads":    importBody(t, src, map[string]any{"numThreads": -1}),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp, out := post(t, ts.URL+"/api/imports", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
	assert.Equal(t, bulkimport.StateIdle, im.Status().State)
}

func TestStartImport_Conflict(t *testing.T) {
	held := &heldRepo{Repository: repository.NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	ts, im := setup(t, held)
	body := importBody(t, sourceDir(t), nil)

	resp, _ := post(t, ts.URL+"/api/imports", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-held.entered

	resp, out := post(t, ts.URL+"/api/imports", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, out["error"], "already in progress")

	resp, out = post(t, ts.URL+"/api/imports/stop", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "STOPPING", out["state"])

	close(held.release)
	assert.Equal(t, bulkimport.StateStopped, waitIdle(t, im).State)

	resp, _ = post(t, ts.URL+"/api/imports/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
