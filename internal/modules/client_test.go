package modules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manifest" || r.Method != http.MethodGet {
			t.Errorf("%s %s, want GET /manifest", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(Manifest{Tools: []ToolDefinition{
			{
				Name:        "research.web_search",
				Description: "Search the web",
				Parameters: []ToolParameter{
					{Name: "query", Type: "string", Description: "Search query", Required: true},
					{Name: "depth", Type: "string", Enum: []string{"quick", "thorough"}},
				},
				RequiredPermission: "guest",
			},
		}})
	}))
	defer srv.Close()

	c := NewClient("research", srv.URL, nil)
	m, err := c.Manifest(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if len(m.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(m.Tools))
	}
	tool := m.Tools[0]
	if tool.Name != "research.web_search" || tool.RequiredPermission != "guest" {
		t.Errorf("tool = %+v", tool)
	}
	if len(tool.Parameters) != 2 || !tool.Parameters[0].Required {
		t.Errorf("parameters = %+v", tool.Parameters)
	}
	if got := tool.Parameters[1].Enum; len(got) != 2 || got[0] != "quick" {
		t.Errorf("enum = %v", got)
	}
}

func TestManifest_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("research", srv.URL, nil)
	if _, err := c.Manifest(context.Background(), time.Second); err == nil {
		t.Fatal("Manifest succeeded, want error on 503")
	}
}

func TestManifest_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tools": nope`))
	}))
	defer srv.Close()

	c := NewClient("research", srv.URL, nil)
	if _, err := c.Manifest(context.Background(), time.Second); err == nil {
		t.Fatal("Manifest succeeded, want parse error")
	}
}

func TestExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" || r.Method != http.MethodPost {
			t.Errorf("%s %s, want POST /execute", r.Method, r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.ToolName != "research.web_search" || req.UserID != "user-1" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(Result{Success: true, Result: map[string]any{"hits": 3.0}})
	}))
	defer srv.Close()

	c := NewClient("research", srv.URL, nil)
	res := c.Execute(context.Background(), ExecuteRequest{
		ToolName:  "research.web_search",
		Arguments: map[string]any{"query": "cats"},
		UserID:    "user-1",
	}, 30*time.Second)

	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
}

func TestExecute_Non200CapturesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("tool crashed"))
	}))
	defer srv.Close()

	c := NewClient("research", srv.URL, nil)
	res := c.Execute(context.Background(), ExecuteRequest{ToolName: "research.x"}, time.Second)

	if res.Success {
		t.Fatal("Execute succeeded, want failure")
	}
	if !strings.Contains(res.Error, "500") || !strings.Contains(res.Error, "tool crashed") {
		t.Errorf("Error = %q, want status and body", res.Error)
	}
}

func TestExecute_TimeoutNamesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient("research", srv.URL, nil)
	res := c.Execute(context.Background(), ExecuteRequest{ToolName: "research.slow"}, 50*time.Millisecond)

	if res.Success {
		t.Fatal("Execute succeeded, want timeout failure")
	}
	if !strings.Contains(res.Error, "timed out") || !strings.Contains(res.Error, "50ms") {
		t.Errorf("Error = %q, want timeout naming the value used", res.Error)
	}
}

func TestExecute_ConnectionRefused(t *testing.T) {
	c := NewClient("research", "http://127.0.0.1:1", nil)
	res := c.Execute(context.Background(), ExecuteRequest{ToolName: "research.x"}, time.Second)
	if res.Success {
		t.Fatal("Execute succeeded against closed port")
	}
	if res.Error == "" {
		t.Error("Error is empty, want transport error text")
	}
}
