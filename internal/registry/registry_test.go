package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollisb/conductor/internal/config"
	"github.com/hollisb/conductor/internal/modules"
)

// specimenManifests mirrors a representative multi-module deployment:
// research and file_manager with guest/user tools, code_executor with a
// user tool and an admin tool, and a scheduler that only admins may use.
func specimenManifests() map[string]*modules.Manifest {
	return map[string]*modules.Manifest{
		"research": {Tools: []modules.ToolDefinition{
			{Name: "research.web_search", RequiredPermission: "guest"},
			{Name: "research.fetch_webpage", RequiredPermission: "user"},
		}},
		"file_manager": {Tools: []modules.ToolDefinition{
			{Name: "file_manager.create_document", RequiredPermission: "user"},
			{Name: "file_manager.delete_file", RequiredPermission: "user"},
		}},
		"code_executor": {Tools: []modules.ToolDefinition{
			{Name: "code_executor.run_python", RequiredPermission: "user"},
			{Name: "code_executor.run_shell", RequiredPermission: "admin"},
		}},
		"scheduler": {Tools: []modules.ToolDefinition{
			{Name: "scheduler.create_job", RequiredPermission: "admin"},
			{Name: "scheduler.list_jobs", RequiredPermission: "admin"},
		}},
	}
}

func testRegistry(t *testing.T, cfg config.ModulesConfig) *Registry {
	t.Helper()
	r := New(cfg, NewManifestCache(time.Hour, nil), nil)
	r.manifests = specimenManifests()
	return r
}

func TestToolsForUser_TwoStageFilter(t *testing.T) {
	r := testRegistry(t, config.ModulesConfig{})

	tools := r.ToolsForUser("user", []string{"research", "file_manager", "code_executor"})

	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"research.web_search",
		"research.fetch_webpage",
		"file_manager.create_document",
		"file_manager.delete_file",
		"code_executor.run_python",
	}, names)
	assert.NotContains(t, names, "code_executor.run_shell", "admin tool must be dropped for user")
	for _, n := range names {
		assert.NotContains(t, n, "scheduler.", "scheduler module not in allowed set")
	}
}

func TestToolsForUser_GuestSeesOnlyGuestTools(t *testing.T) {
	r := testRegistry(t, config.ModulesConfig{})

	tools := r.ToolsForUser("guest", []string{"research"})
	require.Len(t, tools, 1)
	assert.Equal(t, "research.web_search", tools[0].Name)
}

func TestToolsForUser_UnknownPermissionTreatedAsGuest(t *testing.T) {
	r := testRegistry(t, config.ModulesConfig{})

	// Unknown caller level → ordinal 0.
	tools := r.ToolsForUser("superhero", []string{"research"})
	require.Len(t, tools, 1)
	assert.Equal(t, "research.web_search", tools[0].Name)

	// Unknown required_permission on a tool → ordinal 0, visible to guests.
	r.manifests["research"].Tools = append(r.manifests["research"].Tools,
		modules.ToolDefinition{Name: "research.mystery", RequiredPermission: "wizard"})
	tools = r.ToolsForUser("guest", []string{"research"})
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "research.mystery")
}

func TestToModelSchema_Lossless(t *testing.T) {
	tools := []modules.ToolDefinition{{
		Name:        "research.web_search",
		Description: "Search the web",
		Parameters: []modules.ToolParameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
			{Name: "depth", Type: "string", Description: "Effort", Enum: []string{"quick", "thorough"}},
			{Name: "limit", Type: "integer", Description: "Max results", Required: true},
		},
	}}

	schema := ToModelSchema(tools)
	require.Len(t, schema, 1)

	fn, ok := schema[0]["function"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "research.web_search", fn["name"])

	params, ok := fn["parameters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", params["type"])

	props, ok := params["properties"].(map[string]any)
	require.True(t, ok)
	require.Len(t, props, 3)

	depth := props["depth"].(map[string]any)
	assert.Equal(t, []string{"quick", "thorough"}, depth["enum"])

	query := props["query"].(map[string]any)
	assert.Equal(t, "string", query["type"])
	assert.Equal(t, "Search query", query["description"])

	assert.ElementsMatch(t, []string{"query", "limit"}, params["required"])
}

func TestToModelSchema_NoRequiredKeyWhenAllOptional(t *testing.T) {
	schema := ToModelSchema([]modules.ToolDefinition{{
		Name:       "research.ping",
		Parameters: []modules.ToolParameter{{Name: "verbose", Type: "boolean"}},
	}})
	fn := schema[0]["function"].(map[string]any)
	params := fn["parameters"].(map[string]any)
	_, hasRequired := params["required"]
	assert.False(t, hasRequired)
}

func TestExecute_RoutesToRegisteredModule(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req modules.ExecuteRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "research.web_search", req.ToolName)
		json.NewEncoder(w).Encode(modules.Result{Success: true, Result: "ok"})
	}))
	defer srv.Close()

	r := New(config.ModulesConfig{
		Endpoints: map[string]string{"research": srv.URL},
	}, NewManifestCache(time.Hour, nil), nil)

	res := r.Execute(context.Background(), "research.web_search",
		map[string]any{"query": "cats"}, "user-1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(1), hits.Load())
}

func TestExecute_UnknownModuleMakesNoHTTPCall(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	r := New(config.ModulesConfig{
		Endpoints: map[string]string{"research": srv.URL},
	}, NewManifestCache(time.Hour, nil), nil)

	res := r.Execute(context.Background(), "bogus_module.x", nil, "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown module")
	assert.Equal(t, int64(0), hits.Load(), "unknown module must not trigger HTTP")
}

func TestExecute_InvalidToolNameFormat(t *testing.T) {
	r := New(config.ModulesConfig{}, NewManifestCache(time.Hour, nil), nil)

	for _, name := range []string{"nodot", "trailing.", ".leading", ""} {
		res := r.Execute(context.Background(), name, nil, "")
		assert.False(t, res.Success, "name %q should be rejected", name)
		assert.Contains(t, res.Error, "invalid tool name", "name %q", name)
	}
}

func TestExecute_SubNamespacedNamesRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req modules.ExecuteRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "media.video.transcode", req.ToolName)
		json.NewEncoder(w).Encode(modules.Result{Success: true})
	}))
	defer srv.Close()

	r := New(config.ModulesConfig{
		Endpoints: map[string]string{"media": srv.URL},
	}, NewManifestCache(time.Hour, nil), nil)

	res := r.Execute(context.Background(), "media.video.transcode", nil, "")
	assert.True(t, res.Success, res.Error)
}

func TestTimeoutSelection(t *testing.T) {
	r := New(config.ModulesConfig{
		Endpoints:      map[string]string{"research": "http://r", "code_executor": "http://c"},
		Slow:           "code_executor",
		LongTimeoutSec: 120,
	}, NewManifestCache(time.Hour, nil), nil)

	assert.Equal(t, 30*time.Second, r.timeoutFor("research"))
	assert.Equal(t, 120*time.Second, r.timeoutFor("code_executor"))
}

func manifestServer(t *testing.T, m *modules.Manifest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/manifest", r.URL.Path)
		json.NewEncoder(w).Encode(m)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverAll_FailureIsolated(t *testing.T) {
	good := manifestServer(t, &modules.Manifest{Tools: []modules.ToolDefinition{
		{Name: "research.web_search", RequiredPermission: "guest"},
	}})
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer bad.Close()

	cache := NewManifestCache(time.Hour, nil)
	r := New(config.ModulesConfig{
		Endpoints: map[string]string{
			"research":  good.URL,
			"scheduler": bad.URL,
		},
	}, cache, nil)

	r.DiscoverAll(context.Background())

	assert.Equal(t, []string{"research"}, r.Modules(),
		"failing module contributes no tools, healthy one still discovered")

	_, ok := cache.Get(ManifestKey("research"))
	assert.True(t, ok, "successful discovery populates the cache")
	_, ok = cache.Get(ManifestKey("scheduler"))
	assert.False(t, ok)
}

func TestDiscoverAll_IdempotentReplace(t *testing.T) {
	srv := manifestServer(t, &modules.Manifest{Tools: []modules.ToolDefinition{
		{Name: "research.web_search", RequiredPermission: "guest"},
	}})

	r := New(config.ModulesConfig{
		Endpoints: map[string]string{"research": srv.URL},
	}, NewManifestCache(time.Hour, nil), nil)

	r.DiscoverAll(context.Background())
	r.DiscoverAll(context.Background())

	tools := r.ToolsForUser("guest", []string{"research"})
	assert.Len(t, tools, 1, "re-discovery replaces, never accumulates")
}

func TestLoadFromCache(t *testing.T) {
	cache := NewManifestCache(time.Hour, nil)
	cache.Put(ManifestKey("research"), &modules.Manifest{Tools: []modules.ToolDefinition{
		{Name: "research.web_search", RequiredPermission: "guest"},
	}})

	// A fresh registry sharing the cache sees the manifest without any
	// network traffic.
	r := New(config.ModulesConfig{
		Endpoints: map[string]string{"research": "http://unreachable.invalid"},
	}, cache, nil)

	loaded := r.LoadFromCache()
	assert.Equal(t, 1, loaded)
	assert.Len(t, r.ToolsForUser("guest", []string{"research"}), 1)
}

func TestPermissionOrdinal(t *testing.T) {
	assert.Equal(t, 0, PermissionOrdinal("guest"))
	assert.Equal(t, 1, PermissionOrdinal("user"))
	assert.Equal(t, 2, PermissionOrdinal("admin"))
	assert.Equal(t, 3, PermissionOrdinal("owner"))
	assert.Equal(t, 0, PermissionOrdinal("something_else"))
	assert.Equal(t, 1, PermissionOrdinal(" User "))
}
