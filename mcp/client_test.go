package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"perpagent/config"

	"github.com/rs/zerolog"
)

func TestAdviseSuccess(t *testing.T) {
	var gotAuth, gotPath, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var body struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		if len(body.Messages) != 2 || body.Messages[0]["role"] != "system" {
			t.Errorf("messages=%v, expected system + user", body.Messages)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ACTION: HOLD"}}]}`))
	}))
	defer srv.Close()

	c := NewFromConfig(config.AdvisorConfig{Provider: "custom", APIKey: "k", BaseURL: srv.URL, Model: "m", TimeoutSeconds: 5}, zerolog.Nop())
	out, err := c.Advise(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Advise returned error: %v", err)
	}
	if out != "ACTION: HOLD" {
		t.Fatalf("content=%q", out)
	}
	if gotAuth != "Bearer k" || gotPath != "/chat/completions" || gotModel != "m" {
		t.Fatalf("auth=%q path=%q model=%q", gotAuth, gotPath, gotModel)
	}
}

func TestConcurrentFirstUseSharesClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewFromConfig(config.AdvisorConfig{Provider: "custom", APIKey: "k", BaseURL: srv.URL, Model: "m", TimeoutSeconds: 5}, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = c.Advise(context.Background(), "sys", "user")
			} else {
				_, err = c.Ping(context.Background())
			}
			if err != nil {
				t.Errorf("call %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if c.client() != c.client() {
		t.Fatalf("expected one shared HTTP client")
	}
}

func TestAdviseFullURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	c.SetCustomAPI(srv.URL+"/v2/complete#", "k", "m")
	if _, err := c.Advise(context.Background(), "", "u"); err != nil {
		t.Fatalf("Advise returned error: %v", err)
	}
	if gotPath != "/v2/complete" {
		t.Fatalf("path=%q, expected /v2/complete", gotPath)
	}
}

func TestAdviseNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	c.SetCustomAPI(srv.URL, "k", "m")
	_, err := c.Advise(context.Background(), "s", "u")
	if err == nil {
		t.Fatalf("expected error on 429")
	}
	if StatusCode(err) != http.StatusTooManyRequests {
		t.Fatalf("StatusCode=%d, expected 429", StatusCode(err))
	}
}

func TestAdviseTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	c.SetCustomAPI(srv.URL, "k", "m")
	c.Timeout = 50 * time.Millisecond

	start := time.Now()
	if _, err := c.Advise(context.Background(), "s", "u"); err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Advise took %v, expected to give up at the timeout", elapsed)
	}
}

func TestAdviseWithoutKey(t *testing.T) {
	if _, err := New(zerolog.Nop()).Advise(context.Background(), "s", "u"); err == nil {
		t.Fatalf("expected error without API key")
	}
}
