// Package registry owns the live view of remote tool modules: it
// discovers their manifests, caches them with a TTL, filters tools by
// permission, converts tool definitions into the model-facing
// function-calling schema, and routes execute calls to the right
// module client.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hollisb/conductor/internal/config"
	"github.com/hollisb/conductor/internal/modules"
)

// discoveryConcurrency bounds the manifest fan-out. Module fetches are
// independent and failure-isolated; ordering between them is irrelevant.
const discoveryConcurrency = 8

// permissionOrdinals orders the role hierarchy. Unknown permission
// strings on either side of a comparison are treated as level 0.
var permissionOrdinals = map[string]int{
	"guest": 0,
	"user":  1,
	"admin": 2,
	"owner": 3,
}

// PermissionOrdinal returns the ordinal for a permission level string.
func PermissionOrdinal(level string) int {
	return permissionOrdinals[strings.ToLower(strings.TrimSpace(level))]
}

// Registry is the tool registry. All methods are safe for concurrent
// use; discovery replaces manifests wholesale under the write lock.
type Registry struct {
	clients          map[string]*modules.Client // module name → client, fixed at construction
	slow             map[string]bool
	executeTimeout   time.Duration
	longTimeout      time.Duration
	discoveryTimeout time.Duration
	cache            *ManifestCache
	logger           *slog.Logger

	mu        sync.RWMutex
	manifests map[string]*modules.Manifest
}

// New builds a registry from the modules configuration. The module
// lookup table is populated once here; dispatch later is a map lookup,
// never reflection.
func New(cfg config.ModulesConfig, cache *ManifestCache, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")

	clients := make(map[string]*modules.Client, len(cfg.Endpoints))
	for name, url := range cfg.Endpoints {
		clients[name] = modules.NewClient(name, url, logger)
	}

	return &Registry{
		clients:          clients,
		slow:             cfg.SlowSet(),
		executeTimeout:   cfg.ExecuteTimeout(),
		longTimeout:      cfg.LongTimeout(),
		discoveryTimeout: cfg.DiscoveryTimeout(),
		cache:            cache,
		logger:           logger,
		manifests:        make(map[string]*modules.Manifest),
	}
}

// DiscoverAll fetches every configured module's manifest concurrently.
// Each fetch runs under its own timeout; one module's failure never
// aborts discovery of the others. Successful manifests replace the
// in-memory copy and the cache entry wholesale, so re-invoking is an
// idempotent refresh. A module that fails after a prior success keeps
// serving its last-known-good manifest until the cache TTL expires.
func (r *Registry) DiscoverAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryConcurrency)

	for name, client := range r.clients {
		g.Go(func() error {
			manifest, err := client.Manifest(ctx, r.discoveryTimeout)
			if err != nil {
				r.logger.Warn("module discovery failed",
					"module", name,
					"error", err,
				)
				return nil // failure-isolated: never abort siblings
			}

			r.mu.Lock()
			r.manifests[name] = manifest
			r.mu.Unlock()
			r.cache.Put(ManifestKey(name), manifest)

			r.logger.Info("module discovered",
				"module", name,
				"tools", len(manifest.Tools),
			)
			return nil
		})
	}
	_ = g.Wait()
}

// LoadFromCache populates the in-memory manifests from the cache
// without any network traffic. Used at startup so tools are available
// before the first discovery completes.
func (r *Registry) LoadFromCache() int {
	loaded := 0
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.clients {
		if m, ok := r.cache.Get(ManifestKey(name)); ok {
			r.manifests[name] = m
			loaded++
		}
	}
	return loaded
}

// Modules returns the names of modules with a known manifest, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.manifests))
	for name := range r.manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolsForUser applies the two-stage permission filter: first drop any
// module not in allowedModules, then drop any surviving tool whose
// required permission exceeds the caller's level. Results are sorted
// by name for deterministic schema output.
func (r *Registry) ToolsForUser(permissionLevel string, allowedModules []string) []modules.ToolDefinition {
	allowed := make(map[string]bool, len(allowedModules))
	for _, m := range allowedModules {
		allowed[m] = true
	}
	callerLevel := PermissionOrdinal(permissionLevel)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []modules.ToolDefinition
	for name, manifest := range r.manifests {
		if !allowed[name] {
			continue
		}
		for _, tool := range manifest.Tools {
			if PermissionOrdinal(tool.RequiredPermission) > callerLevel {
				continue
			}
			tools = append(tools, tool)
		}
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// ToModelSchema converts tool definitions into the model-facing
// function-calling schema. The mapping is pure, deterministic, and
// lossless: every name, required-parameter set, and enum survives.
func ToModelSchema(tools []modules.ToolDefinition) []map[string]any {
	schema := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		properties := make(map[string]any, len(tool.Parameters))
		var required []string

		for _, p := range tool.Parameters {
			prop := map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if len(p.Enum) > 0 {
				prop["enum"] = p.Enum
			}
			properties[p.Name] = prop
			if p.Required {
				required = append(required, p.Name)
			}
		}

		parameters := map[string]any{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			parameters["required"] = required
		}

		schema = append(schema, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  parameters,
			},
		})
	}
	return schema
}

// timeoutFor selects the execute timeout for a module: the configured
// long timeout for slow modules, the default otherwise.
func (r *Registry) timeoutFor(module string) time.Duration {
	if r.slow[module] {
		return r.longTimeout
	}
	return r.executeTimeout
}

// Execute routes a tool call to its module and runs it once. The tool
// name is split on the first "." only, so sub-namespaced names like
// "module.category.action" remain routable. The registry performs no
// retries — that policy belongs to the agent loop.
func (r *Registry) Execute(ctx context.Context, toolName string, args map[string]any, userID string) *modules.Result {
	moduleName, method, ok := strings.Cut(toolName, ".")
	if !ok || moduleName == "" || method == "" {
		return modules.Failure("invalid tool name format: %q (want module.method)", toolName)
	}

	client, exists := r.clients[moduleName]
	if !exists {
		return modules.Failure("unknown module: %q", moduleName)
	}

	return client.Execute(ctx, modules.ExecuteRequest{
		ToolName:  toolName,
		Arguments: args,
		UserID:    userID,
	}, r.timeoutFor(moduleName))
}
