package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opalhq/opal/pkg/models"
)

type fakeAgent struct {
	lastMessage  *models.IncomingMessage
	lastContinue *models.ContinueRequest
}

func (f *fakeAgent) Process(ctx context.Context, in models.IncomingMessage) *models.AgentResponse {
	f.lastMessage = &in
	return &models.AgentResponse{Content: "processed: " + in.Content}
}

func (f *fakeAgent) Continue(ctx context.Context, req models.ContinueRequest) *models.AgentResponse {
	f.lastContinue = &req
	return &models.AgentResponse{Content: "resumed: " + req.Content}
}

type fakeCatalog struct{}

func (fakeCatalog) DiscoverAll(ctx context.Context) []string { return []string{"research", "files"} }
func (fakeCatalog) Modules() []string                        { return []string{"research", "files"} }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string, dimensions int) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func newTestServer() (*Server, *fakeAgent) {
	agent := &fakeAgent{}
	s := NewServer(Config{
		ServiceToken:    "svc",
		PortalJWTSecret: "portal-secret",
	}, agent, fakeCatalog{}, fakeEmbedder{})
	return s, agent
}

func request(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMessageEndpoint(t *testing.T) {
	s, agent := newTestServer()
	body := `{"platform":"discord","platform_user_id":"u1","platform_channel_id":"c1","content":"hi"}`
	rec := request(t, s.Handler(), http.MethodPost, "/message", "svc", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp models.AgentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "processed: hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if agent.lastMessage == nil || agent.lastMessage.Platform != "discord" {
		t.Errorf("message not forwarded: %+v", agent.lastMessage)
	}
}

func TestMessageEndpointValidation(t *testing.T) {
	s, _ := newTestServer()
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing platform", `{"platform_user_id":"u1","platform_channel_id":"c1"}`},
		{"missing user", `{"platform":"discord","platform_channel_id":"c1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := request(t, s.Handler(), http.MethodPost, "/message", "svc", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
}

func TestServiceAuthRequired(t *testing.T) {
	s, _ := newTestServer()
	paths := []string{"/message", "/continue", "/refresh-tools", "/embed"}
	for _, path := range paths {
		rec := request(t, s.Handler(), http.MethodPost, path, "", `{}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, rec.Code)
		}
		rec = request(t, s.Handler(), http.MethodPost, path, "wrong", `{}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: status = %d, want 401", path, rec.Code)
		}
	}
}

func TestContinueEndpoint(t *testing.T) {
	s, agent := newTestServer()
	body := `{"platform":"discord","platform_channel_id":"c1","user_id":"user-1","content":"job done","job_id":"j1"}`
	rec := request(t, s.Handler(), http.MethodPost, "/continue", "svc", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if agent.lastContinue == nil || agent.lastContinue.JobID != "j1" {
		t.Errorf("continue not forwarded: %+v", agent.lastContinue)
	}
}

func TestRefreshToolsEndpoint(t *testing.T) {
	s, _ := newTestServer()
	rec := request(t, s.Handler(), http.MethodPost, "/refresh-tools", "svc", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Modules []string `json:"modules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Modules) != 2 {
		t.Errorf("modules = %v", resp.Modules)
	}
}

func TestEmbedEndpoint(t *testing.T) {
	s, _ := newTestServer()
	rec := request(t, s.Handler(), http.MethodPost, "/embed", "svc", `{"text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Embedding) != 2 {
		t.Errorf("embedding = %v", resp.Embedding)
	}

	rec = request(t, s.Handler(), http.MethodPost, "/embed", "svc", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty text: status = %d", rec.Code)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s, _ := newTestServer()
	rec := request(t, s.Handler(), http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAdminModulesRequiresPortalJWT(t *testing.T) {
	s, _ := newTestServer()

	rec := request(t, s.Handler(), http.MethodGet, "/admin/modules", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}
	// The service token is not a portal token.
	rec = request(t, s.Handler(), http.MethodGet, "/admin/modules", "svc", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("service token: status = %d", rec.Code)
	}

	token, err := s.jwt.Generate("admin-1", "Admin")
	if err != nil {
		t.Fatal(err)
	}
	rec = request(t, s.Handler(), http.MethodGet, "/admin/modules", token, "")
	if rec.Code != http.StatusOK {
		t.Errorf("portal token: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestJWTService(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	token, err := svc.Generate("user-1", "Sam")
	if err != nil {
		t.Fatal(err)
	}
	subject, err := svc.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "user-1" {
		t.Errorf("subject = %q", subject)
	}

	if _, err := svc.Validate(token + "x"); err == nil {
		t.Error("tampered token accepted")
	}
	other := NewJWTService("other-secret", time.Hour)
	if _, err := other.Validate(token); err == nil {
		t.Error("token from different secret accepted")
	}
	var disabled *JWTService
	if _, err := disabled.Validate(token); err == nil {
		t.Error("nil service accepted token")
	}
}
