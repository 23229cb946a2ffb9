package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mywar5/VCPToolBox/internal/dispatch"
	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/stdioexec"
)

func newTestHandler(t *testing.T, root string) *Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := manifest.New(root)
	require.NoError(t, store.Reload())
	exec := stdioexec.New(store, nil, stdioexec.EnvOverlay{}, 2*time.Second, 2*time.Second, 1<<20)
	d := dispatch.New(store, exec, nil, 2*time.Second)
	return New(store, d, nil, nil, 200*time.Millisecond)
}

func newTestRouter(h *Handler) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r.Group("/"))
	return r
}

func TestListPluginsReturnsDiscoveredManifests(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "echoplugin")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := `{"name":"echoplugin","pluginType":"synchronous","entryPoint":"true"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin-manifest.json"), []byte(content), 0o644))

	h := newTestHandler(t, root)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Plugins []PluginSummary `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Plugins, 1)
	assert.Equal(t, "echoplugin", body.Plugins[0].Name)
}

func TestInvokeToolUnknownPluginReturnsNormalizedError(t *testing.T) {
	root := t.TempDir()
	h := newTestHandler(t, root)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/tools/ghost/invoke", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	assert.Equal(t, "plugin_execution_error", payload["error"])
}

func TestReloadTriggersEventsLongPoll(t *testing.T) {
	root := t.TempDir()
	h := newTestHandler(t, root)
	router := newTestRouter(h)

	resultCh := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		resultCh <- rec
	}()

	time.Sleep(50 * time.Millisecond)

	reloadReq := httptest.NewRequest(http.MethodPost, "/reload", nil)
	reloadRec := httptest.NewRecorder()
	router.ServeHTTP(reloadRec, reloadReq)
	require.Equal(t, http.StatusOK, reloadRec.Code)

	select {
	case rec := <-resultCh:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("events long-poll never woke after reload")
	}
}

func TestEventsTimesOutWithNoContentWhenNothingReloads(t *testing.T) {
	root := t.TempDir()
	h := newTestHandler(t, root)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListPlaceholdersWithNoRefresherReturnsEmptyMap(t *testing.T) {
	root := t.TempDir()
	h := newTestHandler(t, root)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/placeholders", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Placeholders map[string]string `json:"placeholders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotNil(t, body.Placeholders)
	assert.Empty(t, body.Placeholders)
}
