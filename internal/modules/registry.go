// Package modules maintains the catalog of remote tool modules and dispatches
// tool executions to them over HTTP.
package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opalhq/opal/internal/observability"
	"github.com/opalhq/opal/pkg/models"
)

const (
	manifestCacheKeyPrefix = "opal:manifests:"
	manifestCacheTTL       = 7 * 24 * time.Hour

	// resync backoff bounds for modules that have not answered yet.
	resyncInitialDelay = 5 * time.Second
	resyncMaxDelay     = 5 * time.Minute
)

// moduleEntry is one discovered module's manifest plus dispatch metadata.
type moduleEntry struct {
	manifest  models.ModuleManifest
	baseURL   string
	fetchedAt time.Time
}

// Config configures a Registry.
type Config struct {
	// ServiceURLs maps module name to base URL.
	ServiceURLs map[string]string
	// ServiceToken authenticates execute calls to modules.
	ServiceToken string
	// Timeout returns the execution deadline for a module.
	Timeout func(module string) time.Duration
}

// Registry is the read-mostly tool catalog. Discovery is the single writer;
// lookups and dispatches only take the read lock.
type Registry struct {
	cfg    Config
	client *http.Client
	cache  *redis.Client

	mu      sync.RWMutex
	entries map[string]*moduleEntry
	// toolIndex maps namespaced catalog names to (module, local tool name).
	toolIndex map[string]toolRef

	logger  *slog.Logger
	metrics *observability.Metrics
}

type toolRef struct {
	module string
	local  string
	spec   models.ToolSpec
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics enables dispatch metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithCache persists manifests to Redis so cold restarts do not stall on
// unreachable modules.
func WithCache(client *redis.Client) Option {
	return func(r *Registry) { r.cache = client }
}

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) { r.client = client }
}

// NewRegistry creates a Registry for the configured module URLs.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.Timeout == nil {
		cfg.Timeout = func(string) time.Duration { return 120 * time.Second }
	}
	r := &Registry{
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		entries:   make(map[string]*moduleEntry),
		toolIndex: make(map[string]toolRef),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tool_registry")
	return r
}

// CatalogName is the namespaced name a tool is published under.
func CatalogName(module, tool string) string {
	if strings.HasPrefix(tool, module+".") {
		return tool
	}
	return module + "." + tool
}

// DiscoverAll fetches every configured module's manifest, atomically
// replacing each module's entry. Failures are logged per module; the
// returned slice holds the modules currently present in the catalog.
func (r *Registry) DiscoverAll(ctx context.Context) []string {
	for name, baseURL := range r.cfg.ServiceURLs {
		if err := r.discoverOne(ctx, name, baseURL); err != nil {
			r.logger.Warn("module discovery failed", "module", name, "url", baseURL, "error", err)
		}
	}
	return r.Modules()
}

// discoverOne fetches one manifest and installs it.
func (r *Registry) discoverOne(ctx context.Context, name, baseURL string) error {
	manifest, err := r.fetchManifest(ctx, baseURL)
	if err != nil {
		// A cached manifest keeps the module usable while it is down.
		if cached, ok := r.loadCachedManifest(ctx, name); ok {
			r.install(name, baseURL, cached)
			r.logger.Info("using cached manifest", "module", name)
			return nil
		}
		return err
	}
	if manifest.ModuleName == "" {
		manifest.ModuleName = name
	}
	dropped, err := ValidateManifest(&manifest)
	if err != nil {
		return err
	}
	for _, reason := range dropped {
		r.logger.Warn("skipping invalid tool", "module", name, "reason", reason)
	}
	r.install(name, baseURL, manifest)
	r.storeCachedManifest(ctx, name, manifest)
	return nil
}

func (r *Registry) fetchManifest(ctx context.Context, baseURL string) (models.ModuleManifest, error) {
	var manifest models.ModuleManifest

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/manifest", nil)
	if err != nil {
		return manifest, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return manifest, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return manifest, fmt.Errorf("manifest fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return manifest, err
	}
	if err := json.Unmarshal(body, &manifest); err != nil {
		return manifest, fmt.Errorf("invalid manifest: %w", err)
	}
	return manifest, nil
}

// install atomically replaces the module's entry and rebuilds the tool index.
func (r *Registry) install(name, baseURL string, manifest models.ModuleManifest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[name] = &moduleEntry{
		manifest:  manifest,
		baseURL:   baseURL,
		fetchedAt: time.Now().UTC(),
	}

	r.toolIndex = make(map[string]toolRef, len(r.toolIndex))
	for modName, entry := range r.entries {
		for _, tool := range entry.manifest.Tools {
			r.toolIndex[CatalogName(modName, tool.Name)] = toolRef{
				module: modName,
				local:  tool.Name,
				spec:   tool,
			}
		}
	}
}

// StartResync launches the background loop that retries modules missing from
// the catalog with increasing delay until every configured module answered.
func (r *Registry) StartResync(ctx context.Context) {
	go func() {
		delay := resyncInitialDelay
		for {
			missing := r.missingModules()
			if len(missing) == 0 {
				r.logger.Info("all modules discovered", "modules", r.Modules())
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			for _, name := range missing {
				if err := r.discoverOne(ctx, name, r.cfg.ServiceURLs[name]); err != nil {
					r.logger.Warn("module resync failed", "module", name, "retry_in", delay, "error", err)
				} else {
					r.logger.Info("module discovered on resync", "module", name)
				}
			}

			delay *= 2
			if delay > resyncMaxDelay {
				delay = resyncMaxDelay
			}
		}
	}()
}

func (r *Registry) missingModules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for name := range r.cfg.ServiceURLs {
		if _, ok := r.entries[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Modules returns the names currently present in the catalog, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolsFor returns the union of tools from allowedModules whose required
// permission is at or below the caller's level, sorted by catalog name.
func (r *Registry) ToolsFor(permission models.Permission, allowedModules []string) []models.ToolSpec {
	allowed := make(map[string]bool, len(allowedModules))
	for _, m := range allowedModules {
		allowed[m] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ToolSpec
	for modName, entry := range r.entries {
		if !allowed[modName] {
			continue
		}
		for _, tool := range entry.manifest.Tools {
			required := tool.RequiredPermission
			if required == "" {
				required = models.PermissionUser
			}
			if !permission.AtLeast(required) {
				continue
			}
			spec := tool
			spec.Name = CatalogName(modName, tool.Name)
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the spec for a catalog tool name.
func (r *Registry) Lookup(name string) (models.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.toolIndex[name]
	if !ok {
		return models.ToolSpec{}, false
	}
	spec := ref.spec
	spec.Name = name
	return spec, true
}

// Execute POSTs the call to the owning module's /execute endpoint. Arguments
// are validated against the tool's parameter schema first. A failed network
// call is retried once; permanent tool-missing replies are never retried.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (*models.ToolResult, error) {
	ctx, span := otel.Tracer("opal/modules").Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool", call.ToolName)))
	defer span.End()

	r.mu.RLock()
	ref, ok := r.toolIndex[call.ToolName]
	var baseURL string
	if ok {
		baseURL = r.entries[ref.module].baseURL
	}
	r.mu.RUnlock()

	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("tool not found: %s", call.ToolName))
	}

	if err := ValidateArguments(ref.spec, call.Arguments); err != nil {
		return nil, NewPermanentError(err.Error())
	}

	payload := models.ToolCall{
		ToolName:  ref.local,
		Arguments: call.Arguments,
		UserID:    call.UserID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewPermanentError(fmt.Sprintf("marshal tool call: %v", err))
	}

	timeout := r.cfg.Timeout(ref.module)
	start := time.Now()
	result, err := r.executeOnce(ctx, baseURL, body, timeout)
	if err != nil && !IsPermanent(err) && ctx.Err() == nil {
		r.logger.Warn("tool dispatch failed, retrying once",
			"tool", call.ToolName, "module", ref.module, "error", err)
		result, err = r.executeOnce(ctx, baseURL, body, timeout)
	}
	r.observe(ref.module, start, err == nil && result != nil && result.Success)

	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result.ToolName = call.ToolName
	if !result.Success && IsPermanentMessage(result.Error) {
		return result, NewPermanentError(result.Error)
	}
	return result, nil
}

func (r *Registry) executeOnce(ctx context.Context, baseURL string, body []byte, timeout time.Duration) (*models.ToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.ServiceToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.ServiceToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool dispatch: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("tool dispatch read: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, NewPermanentError("tool not found: module returned 404")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool dispatch returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var result models.ToolResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("invalid tool result: %w", err)
	}
	return &result, nil
}

func (r *Registry) loadCachedManifest(ctx context.Context, name string) (models.ModuleManifest, bool) {
	var manifest models.ModuleManifest
	if r.cache == nil {
		return manifest, false
	}
	raw, err := r.cache.Get(ctx, manifestCacheKeyPrefix+name).Result()
	if err != nil {
		return manifest, false
	}
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return manifest, false
	}
	return manifest, true
}

func (r *Registry) storeCachedManifest(ctx context.Context, name string, manifest models.ModuleManifest) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, manifestCacheKeyPrefix+name, raw, manifestCacheTTL).Err(); err != nil {
		r.logger.Warn("manifest cache write failed", "module", name, "error", err)
	}
}

func (r *Registry) observe(module string, start time.Time, success bool) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	r.metrics.ToolDispatches.WithLabelValues(module, status).Inc()
	r.metrics.ToolDuration.WithLabelValues(module).Observe(time.Since(start).Seconds())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
