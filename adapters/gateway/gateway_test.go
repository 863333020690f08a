package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/artpar/comparellm/adapters/gateway"
	"github.com/artpar/comparellm/domain/model"
)

var testModel = model.Descriptor{ID: "gpt-4o", DisplayName: "GPT-4o", Bucket: model.BucketPerformance, BackendRef: "openai/gpt-4o"}

func newServer(t *testing.T, handler http.HandlerFunc) *gateway.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return gateway.New(gateway.Config{BaseURL: srv.URL + "/v1", APIKey: "test-key", Referer: "https://comparellm.test"})
}

func TestClient_Complete(t *testing.T) {
	var gotModel, gotReferer, gotAuth string
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		gotReferer = r.Header.Get("HTTP-Referer")
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Paris."},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	})

	got, err := client.Complete(context.Background(), testModel, "Capital of France?")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Text != "Paris." {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Usage.PromptTokens != 12 || got.Usage.CompletionTokens != 3 || got.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", got.Usage)
	}
	if gotModel != "openai/gpt-4o" {
		t.Errorf("model sent = %q, want backend ref", gotModel)
	}
	if gotReferer != "https://comparellm.test" || gotAuth != "Bearer test-key" {
		t.Errorf("headers referer=%q auth=%q", gotReferer, gotAuth)
	}
}

func TestClient_Complete_Non2xx(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
	})

	_, err := client.Complete(context.Background(), testModel, "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "gpt-4o") {
		t.Errorf("error = %v, want model id and status", err)
	}
}

func TestClient_Complete_NoChoices(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":0,"total_tokens":1}}`)
	})

	if _, err := client.Complete(context.Background(), testModel, "hi"); err == nil {
		t.Fatal("expected empty response error")
	}
}

func TestClient_Stream(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream        bool `json:"stream"`
			StreamOptions struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream || !body.StreamOptions.IncludeUsage {
			http.Error(w, "stream flags missing", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo", ""} {
			fmt.Fprintf(w, "data: {\"id\":\"s1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var chunks []string
	got, err := client.Stream(context.Background(), testModel, "hi", func(s string) { chunks = append(chunks, s) })
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(chunks, "|") != "Hel|lo" {
		t.Errorf("chunks = %q", chunks)
	}
	if got.Text != "Hello" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Usage.TotalTokens != 6 {
		t.Errorf("Usage = %+v", got.Usage)
	}
}

func TestClient_Stream_Non2xx(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	})

	called := false
	_, err := client.Stream(context.Background(), testModel, "hi", func(string) { called = true })
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("error = %v, want 429", err)
	}
	if called {
		t.Error("onChunk called on failed stream")
	}
}

func TestClient_Stream_Canceled(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Stream(ctx, testModel, "hi", nil); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
