package cache_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nickcecere/llmpipe/pkg/cache"
	"github.com/nickcecere/llmpipe/pkg/llm"
)

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func turn(user, assistant string) cache.Entry {
	return cache.Entry{
		Request:  []llm.Message{{Role: llm.RoleUser, Content: user}},
		Response: llm.Message{Role: llm.RoleAssistant, Content: assistant},
	}
}

func TestAppendLoad_RoundTrip(t *testing.T) {
	s := newStore(t)

	if err := s.Append("conv", turn("hi", "hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("conv", turn("more", "sure")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := s.Load("conv")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.TurnIndex != i {
			t.Errorf("entry[%d].TurnIndex = %d", i, e.TurnIndex)
		}
		if e.ConversationID != "conv" {
			t.Errorf("entry[%d].ConversationID = %q", i, e.ConversationID)
		}
		if e.Timestamp == "" {
			t.Errorf("entry[%d] missing timestamp", i)
		}
	}
	if entries[0].Request[0].Content != "hi" || entries[1].Response.Content != "sure" {
		t.Errorf("entries out of order: %+v", entries)
	}
}

func TestLoad_MissingConversation(t *testing.T) {
	s := newStore(t)
	entries, err := s.Load("nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if entries != nil {
		t.Errorf("want nil entries, got %v", entries)
	}
}

func TestAppend_IsolatesConversations(t *testing.T) {
	s := newStore(t)
	if err := s.Append("a", turn("qa", "ra")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("b", turn("qb", "rb")); err != nil {
		t.Fatal(err)
	}

	a, _ := s.Load("a")
	b, _ := s.Load("b")
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("len(a)=%d len(b)=%d", len(a), len(b))
	}
	if a[0].Request[0].Content != "qa" || b[0].Request[0].Content != "qb" {
		t.Errorf("cross-conversation leak: %+v %+v", a, b)
	}
}

func TestAppend_ConcurrentTurnIndexes(t *testing.T) {
	s := newStore(t)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Append("conv", turn(fmt.Sprintf("q%d", i), "r")); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := s.Load("conv")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("want %d entries, got %d", n, len(entries))
	}
	// Indexes must be contiguous with no gaps or duplicates.
	for i, e := range entries {
		if e.TurnIndex != i {
			t.Errorf("entry[%d].TurnIndex = %d", i, e.TurnIndex)
		}
	}
}

func TestLoad_SkipsTornLastLine(t *testing.T) {
	s := newStore(t)
	if err := s.Append("conv", turn("hi", "hello")); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write: a trailing partial record.
	path := filepath.Join(s.Dir(), "conv.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"conversation_id":"conv","turn`)
	f.Close()

	entries, err := s.Load("conv")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}

	// A restarted process resumes from the last intact index and the torn
	// line does not corrupt the new record.
	s2, err := cache.NewStore(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Append("conv", turn("again", "ok")); err != nil {
		t.Fatal(err)
	}
	entries, _ = s2.Load("conv")
	if len(entries) != 2 || entries[1].TurnIndex != 1 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestEvict(t *testing.T) {
	s := newStore(t)
	if err := s.Append("conv", turn("hi", "hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteModel("conv", cache.ModelInfo{Name: "m", Provider: "openai"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTokens("conv", llm.Usage{Input: 1, Output: 2, Total: 3}); err != nil {
		t.Fatal(err)
	}

	if err := s.Evict("conv"); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	entries, err := s.Load("conv")
	if err != nil || len(entries) != 0 {
		t.Errorf("after evict: entries=%v err=%v", entries, err)
	}
	if m, _ := s.ReadModel("conv"); m != nil {
		t.Errorf("model sidecar survived evict: %+v", m)
	}
	if tok, _ := s.ReadTokens("conv"); tok != (llm.Usage{}) {
		t.Errorf("tokens sidecar survived evict: %+v", tok)
	}
}

func TestEvict_MissingIsNoop(t *testing.T) {
	s := newStore(t)
	if err := s.Evict("never-existed"); err != nil {
		t.Errorf("Evict: %v", err)
	}
}

func TestModelSidecar(t *testing.T) {
	s := newStore(t)

	m, err := s.ReadModel("conv")
	if err != nil {
		t.Fatalf("ReadModel: %v", err)
	}
	if m != nil {
		t.Fatalf("want nil for missing sidecar, got %+v", m)
	}

	want := cache.ModelInfo{Name: "gpt-4o", Provider: "openai"}
	if err := s.WriteModel("conv", want); err != nil {
		t.Fatalf("WriteModel: %v", err)
	}
	m, err = s.ReadModel("conv")
	if err != nil {
		t.Fatalf("ReadModel: %v", err)
	}
	if m == nil || *m != want {
		t.Errorf("ReadModel = %+v, want %+v", m, want)
	}
}

func TestAddTokens_Accumulates(t *testing.T) {
	s := newStore(t)
	if err := s.AddTokens("conv", llm.Usage{Input: 10, Output: 5, Total: 15}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTokens("conv", llm.Usage{Input: 3, Output: 2, Total: 5}); err != nil {
		t.Fatal(err)
	}

	tok, err := s.ReadTokens("conv")
	if err != nil {
		t.Fatalf("ReadTokens: %v", err)
	}
	want := llm.Usage{Input: 13, Output: 7, Total: 20}
	if tok != want {
		t.Errorf("tokens = %+v, want %+v", tok, want)
	}
}

func TestValidateID_RejectsTraversal(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"", "..", "a/b", `a\b`, "."} {
		if err := s.Append(id, turn("q", "r")); err == nil {
			t.Errorf("Append(%q) accepted, want error", id)
		}
	}
}
