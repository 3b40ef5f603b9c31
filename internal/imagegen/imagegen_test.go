package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateDecodesImage(t *testing.T) {
	want := []byte("fake-png-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Prompt != "a lighthouse" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		if req.NumSteps != 40 {
			t.Errorf("num_steps = %d", req.NumSteps)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]string{"image": base64.StdEncoding.EncodeToString(want)},
		})
	}))
	defer srv.Close()

	g := NewRestGenerator(srv.URL, "secret", 5*time.Second)
	got, err := g.Generate(context.Background(), "a lighthouse")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("image bytes = %q", got)
	}
}

func TestGenerateEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"errors":  []map[string]string{{"message": "model overloaded"}},
		})
	}))
	defer srv.Close()

	g := NewRestGenerator(srv.URL, "", 5*time.Second)
	if _, err := g.Generate(context.Background(), "x"); err == nil {
		t.Fatal("expected error from endpoint errors array")
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewRestGenerator(srv.URL, "", 5*time.Second)
	if _, err := g.Generate(context.Background(), "x"); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestGenerateHonorsContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	g := NewRestGenerator(srv.URL, "", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Generate(ctx, "x"); err == nil {
		t.Fatal("expected context deadline error")
	}
}
