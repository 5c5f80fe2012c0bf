package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/providers/common/httpadapter"
)

type warmRecorder struct {
	providerID string
	warm       bool
	calls      int
}

func (w *warmRecorder) SetWarm(providerID string, warm bool) error {
	w.providerID = providerID
	w.warm = warm
	w.calls++
	return nil
}

func newTestAdapter(t *testing.T, warm WarmReporter, handler http.HandlerFunc) (*Adapter, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	client, err := httpadapter.New(httpadapter.Config{Endpoint: server.URL})
	if err != nil {
		server.Close()
		t.Fatalf("unexpected error: %v", err)
	}
	adapter, err := New(Config{ProviderID: "ollama-test", Model: "test-model"}, client, warm)
	if err != nil {
		server.Close()
		t.Fatalf("unexpected error: %v", err)
	}
	return adapter, server.Close
}

func llmRequest() contracts.Request {
	return contracts.Request{
		TurnID:    "turn-1",
		AttemptID: "attempt-1",
		Stage:     contracts.StageLLM,
		Text:      "tell me a fact",
	}
}

func TestInvokeStreamsLinesAndReportsWarm(t *testing.T) {
	t.Parallel()

	warm := &warmRecorder{}
	adapter, cleanup := newTestAdapter(t, warm, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"Bees ","done":false}
{"response":"dance.","done":false}
{"response":"","done":true}
`))
	})
	defer cleanup()

	var got []contracts.Chunk
	outcome, err := adapter.Invoke(context.Background(), llmRequest(), func(c contracts.Chunk) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Class != contracts.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if len(got) != 3 {
		t.Fatalf("expected 2 fragments plus terminal, got %d", len(got))
	}
	if got[0].Text+got[1].Text != "Bees dance." {
		t.Fatalf("unexpected text %q%q", got[0].Text, got[1].Text)
	}
	if !got[2].Final {
		t.Fatalf("expected terminal chunk, got %+v", got[2])
	}
	if warm.calls != 1 || warm.providerID != "ollama-test" || !warm.warm {
		t.Fatalf("expected warm report for ollama-test, got %+v", warm)
	}
}

func TestInvokeTruncatedStream(t *testing.T) {
	t.Parallel()

	warm := &warmRecorder{}
	adapter, cleanup := newTestAdapter(t, warm, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"partial","done":false}` + "\n"))
	})
	defer cleanup()

	outcome, err := adapter.Invoke(context.Background(), llmRequest(), func(contracts.Chunk) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Reason != "provider_stream_truncated" || !outcome.Retryable {
		t.Fatalf("expected truncated stream outcome, got %+v", outcome)
	}
	if warm.calls != 0 {
		t.Fatalf("expected no warm report on failure, got %d", warm.calls)
	}
}

func TestInvokeModelError(t *testing.T) {
	t.Parallel()

	adapter, cleanup := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"model not found"}` + "\n"))
	})
	defer cleanup()

	outcome, err := adapter.Invoke(context.Background(), llmRequest(), func(contracts.Chunk) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Reason != "provider_model_error" {
		t.Fatalf("expected model error outcome, got %+v", outcome)
	}
}

func TestBuildPromptFoldsHistory(t *testing.T) {
	t.Parallel()

	req := llmRequest()
	req.History = []contracts.Exchange{{UserText: "hi", AssistantText: "hello"}}
	prompt := buildPrompt(req)
	want := "User: hi\nAssistant: hello\nUser: tell me a fact\nAssistant:"
	if prompt != want {
		t.Fatalf("expected %q, got %q", want, prompt)
	}
}
