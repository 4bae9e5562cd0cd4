package classify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"warmline/internal/circuit"
	logx "warmline/pkg/logx"
)

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

const verdictJSON = `{"interested":true,"intent":"INTERESTED","reason":"asks for amount","confidence":0.8,"suggestedReply":"Sure","action":"REPLY","followUpAt":"","department":"GENERAL"}`

func newTestClassifier(url string, retries int) *OpenAIClassifier {
	return NewOpenAI(OpenAIConfig{BaseURL: url + "/v1", APIKey: "k", Model: "m", Retries: retries, Backoff: time.Millisecond},
		circuit.New(circuit.Config{Trip: -1}), logx.Nop())
}

func TestOpenAIClassify(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion("```json\n"+verdictJSON+"\n```"))
	}))
	defer srv.Close()

	v, err := newTestClassifier(srv.URL, 0).Classify(context.Background(), Request{
		Locale: "en", Timezone: "UTC", Outreach: "hello",
		Conversation: []Turn{{Role: RoleLead, Text: "how much?"}},
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !v.Interested || v.Intent != IntentInterested || v.Confidence != 0.8 || v.SuggestedReply != "Sure" {
		t.Fatalf("verdict = %+v", v)
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_schema" {
		t.Fatalf("response_format = %v", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", body["messages"])
	}
	var payload Request
	user, _ := msgs[1].(map[string]any)
	if err := json.Unmarshal([]byte(user["content"].(string)), &payload); err != nil || payload.Conversation[0].Text != "how much?" {
		t.Fatalf("user payload = %v (%v)", user["content"], err)
	}
}

func TestOpenAIRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(verdictJSON))
	}))
	defer srv.Close()

	if _, err := newTestClassifier(srv.URL, 2).Classify(context.Background(), Request{}); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
}

func TestOpenAIUnparseable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion("I think they are interested"))
	}))
	defer srv.Close()

	_, err := newTestClassifier(srv.URL, 1).Classify(context.Background(), Request{})
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("err = %v, want ErrClassification", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
}

func TestOpenAIBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", Backoff: time.Millisecond},
		circuit.New(circuit.Config{Trip: 1, BaseDelay: time.Minute}), logx.Nop())
	_, _ = c.Classify(context.Background(), Request{})
	_, err := c.Classify(context.Background(), Request{})
	if !errors.Is(err, ErrClassification) || hits.Load() != 1 {
		t.Fatalf("err=%v hits=%d, want breaker to short-circuit", err, hits.Load())
	}
}
