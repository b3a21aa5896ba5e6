package modules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opalhq/opal/pkg/models"
)

func manifestHandler(manifest models.ModuleManifest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manifest" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(manifest)
	}
}

func testManifest(module string, tools ...models.ToolSpec) models.ModuleManifest {
	return models.ModuleManifest{
		ModuleName:  module,
		Description: module + " tools",
		Tools:       tools,
	}
}

func newTestRegistry(t *testing.T, urls map[string]string) *Registry {
	t.Helper()
	return NewRegistry(Config{
		ServiceURLs: urls,
		Timeout:     func(string) time.Duration { return 5 * time.Second },
	})
}

func TestDiscoverAll(t *testing.T) {
	srv := httptest.NewServer(manifestHandler(testManifest("research",
		models.ToolSpec{Name: "search", Description: "Search the web", RequiredPermission: models.PermissionGuest},
		models.ToolSpec{Name: "deep_dive", Description: "Long-form research", RequiredPermission: models.PermissionAdmin},
	)))
	defer srv.Close()

	r := newTestRegistry(t, map[string]string{"research": srv.URL})
	discovered := r.DiscoverAll(context.Background())
	if len(discovered) != 1 || discovered[0] != "research" {
		t.Fatalf("discovered = %v", discovered)
	}

	if _, ok := r.Lookup("research.search"); !ok {
		t.Error("research.search not indexed")
	}
}

func TestDiscoverAllSurvivesUnreachableModule(t *testing.T) {
	srv := httptest.NewServer(manifestHandler(testManifest("files",
		models.ToolSpec{Name: "list"})))
	defer srv.Close()

	r := newTestRegistry(t, map[string]string{
		"files": srv.URL,
		"down":  "http://127.0.0.1:1",
	})
	discovered := r.DiscoverAll(context.Background())
	if len(discovered) != 1 || discovered[0] != "files" {
		t.Fatalf("discovered = %v", discovered)
	}
	if missing := r.missingModules(); len(missing) != 1 || missing[0] != "down" {
		t.Errorf("missing = %v", missing)
	}
}

func TestToolsForPermissionFilter(t *testing.T) {
	srv := httptest.NewServer(manifestHandler(testManifest("research",
		models.ToolSpec{Name: "search", RequiredPermission: models.PermissionGuest},
		models.ToolSpec{Name: "publish", RequiredPermission: models.PermissionAdmin},
		models.ToolSpec{Name: "notes"}, // empty permission defaults to user
	)))
	defer srv.Close()

	r := newTestRegistry(t, map[string]string{"research": srv.URL})
	r.DiscoverAll(context.Background())

	tests := []struct {
		permission models.Permission
		allowed    []string
		want       []string
	}{
		{models.PermissionGuest, []string{"research"}, []string{"research.search"}},
		{models.PermissionUser, []string{"research"}, []string{"research.notes", "research.search"}},
		{models.PermissionOwner, []string{"research"}, []string{"research.notes", "research.publish", "research.search"}},
		{models.PermissionOwner, nil, nil},
		{models.PermissionOwner, []string{"other"}, nil},
	}
	for _, tt := range tests {
		tools := r.ToolsFor(tt.permission, tt.allowed)
		var names []string
		for _, tool := range tools {
			names = append(names, tool.Name)
		}
		if len(names) != len(tt.want) {
			t.Errorf("ToolsFor(%s, %v) = %v, want %v", tt.permission, tt.allowed, names, tt.want)
			continue
		}
		for i := range names {
			if names[i] != tt.want[i] {
				t.Errorf("ToolsFor(%s, %v) = %v, want %v", tt.permission, tt.allowed, names, tt.want)
				break
			}
		}
	}
}

func TestExecuteRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(testManifest("files", models.ToolSpec{Name: "list"}))
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var call models.ToolCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		if call.ToolName != "list" {
			t.Errorf("module received namespaced name %q", call.ToolName)
		}
		_ = json.NewEncoder(w).Encode(models.ToolResult{
			ToolName: call.ToolName,
			Success:  true,
			Result:   json.RawMessage(`{"files":["a.txt"]}`),
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newTestRegistry(t, map[string]string{"files": srv.URL})
	r.DiscoverAll(context.Background())

	result, err := r.Execute(context.Background(), models.ToolCall{
		ToolName:  "files.list",
		Arguments: json.RawMessage(`{}`),
		UserID:    "u-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.ToolName != "files.list" {
		t.Errorf("result = %+v", result)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestExecuteUnknownToolIsPermanent(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Execute(context.Background(), models.ToolCall{ToolName: "nope.nothing"})
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestExecuteModuleReportsMissingTool(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(testManifest("files", models.ToolSpec{Name: "list"}))
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(models.ToolResult{
			ToolName: "list",
			Success:  false,
			Error:    "tool does not exist in this module",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newTestRegistry(t, map[string]string{"files": srv.URL})
	r.DiscoverAll(context.Background())

	result, err := r.Execute(context.Background(), models.ToolCall{ToolName: "files.list"})
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if result == nil || result.Success {
		t.Errorf("result = %+v", result)
	}
	if calls.Load() != 1 {
		t.Errorf("permanent business error retried: calls = %d", calls.Load())
	}
}

func TestIsPermanentMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"tool not found", true},
		{"Task Does Not Exist", true},
		{"unknown tool: frobnicate", true},
		{"connection refused", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPermanentMessage(tt.msg); got != tt.want {
			t.Errorf("IsPermanentMessage(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestValidateManifest(t *testing.T) {
	noName := models.ModuleManifest{}
	if _, err := ValidateManifest(&noName); err == nil {
		t.Error("manifest without module_name accepted")
	}

	valid := testManifest("files",
		models.ToolSpec{Name: "list", Parameters: json.RawMessage(`{"type":"object"}`)})
	dropped, err := ValidateManifest(&valid)
	if err != nil || len(dropped) != 0 {
		t.Errorf("valid manifest: dropped = %v, err = %v", dropped, err)
	}

	// Malformed tools are dropped; the rest of the module survives.
	mixed := testManifest("files",
		models.ToolSpec{Name: "list"},
		models.ToolSpec{Name: "list"},
		models.ToolSpec{Name: "chmod", RequiredPermission: "root"},
		models.ToolSpec{Name: "stat", Parameters: json.RawMessage(`{"type":12}`)},
		models.ToolSpec{Name: "read", Parameters: json.RawMessage(`{"type":"object"}`)},
	)
	dropped, err = ValidateManifest(&mixed)
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 3 {
		t.Errorf("dropped = %v, want 3 entries", dropped)
	}
	var kept []string
	for _, tool := range mixed.Tools {
		kept = append(kept, tool.Name)
	}
	if len(kept) != 2 || kept[0] != "list" || kept[1] != "read" {
		t.Errorf("kept tools = %v, want [list read]", kept)
	}
}

func TestDiscoverSkipsInvalidTool(t *testing.T) {
	srv := httptest.NewServer(manifestHandler(testManifest("files",
		models.ToolSpec{Name: "list"},
		models.ToolSpec{Name: "stat", Parameters: json.RawMessage(`{"type":12}`)},
	)))
	defer srv.Close()

	r := newTestRegistry(t, map[string]string{"files": srv.URL})
	discovered := r.DiscoverAll(context.Background())
	if len(discovered) != 1 {
		t.Fatalf("discovered = %v", discovered)
	}
	if _, ok := r.Lookup("files.list"); !ok {
		t.Error("valid tool missing from catalog")
	}
	if _, ok := r.Lookup("files.stat"); ok {
		t.Error("tool with invalid schema indexed")
	}
}

func TestExecuteRejectsInvalidArguments(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(testManifest("files", models.ToolSpec{
			Name: "read",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string"}},
				"required": ["path"]
			}`),
		}))
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(models.ToolResult{Success: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newTestRegistry(t, map[string]string{"files": srv.URL})
	r.DiscoverAll(context.Background())

	_, err := r.Execute(context.Background(), models.ToolCall{
		ToolName:  "files.read",
		Arguments: json.RawMessage(`{}`),
	})
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if calls.Load() != 0 {
		t.Errorf("module called despite invalid arguments: calls = %d", calls.Load())
	}
}

func TestValidateArguments(t *testing.T) {
	spec := models.ToolSpec{
		Name: "files.list",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`),
	}

	if err := ValidateArguments(spec, json.RawMessage(`{"path":"/tmp"}`)); err != nil {
		t.Errorf("valid arguments rejected: %v", err)
	}
	if err := ValidateArguments(spec, json.RawMessage(`{}`)); err == nil {
		t.Error("missing required property accepted")
	}
	if err := ValidateArguments(spec, json.RawMessage(`not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
	if err := ValidateArguments(models.ToolSpec{Name: "free"}, json.RawMessage(`{"x":1}`)); err != nil {
		t.Errorf("schemaless tool rejected arguments: %v", err)
	}
}
