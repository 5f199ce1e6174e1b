// Package cache persists completed conversation turns as append-only JSONL
// files, one file per conversation, plus small sidecar files holding the
// last-used model and cumulative token counts.
//
// Each history file line is one Entry: the request snapshot for the turn and
// the assembled response, keyed by (conversation_id, turn_index). Writes are
// one entry per call — no batching — so a crash loses at most the in-flight
// entry and never corrupts prior ones.
package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nickcecere/llmpipe/pkg/llm"
)

// Entry is one completed turn: the messages submitted for the turn and the
// assembled response. TurnIndex is assigned by the store on append and is
// strictly increasing per conversation.
type Entry struct {
	ConversationID string        `json:"conversation_id"`
	TurnIndex      int           `json:"turn_index"`
	Request        []llm.Message `json:"request"`
	Response       llm.Message   `json:"response"`
	Model          string        `json:"model,omitempty"`
	Usage          *llm.Usage    `json:"usage,omitempty"`
	Timestamp      string        `json:"timestamp"`
}

// ModelInfo records which model last served a conversation.
type ModelInfo struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Store is a file-backed turn store. It is safe for concurrent use; appends
// and loads on the same conversation are serialized so a reader never
// observes a partially written entry.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	next  map[string]int // next turn index, lazily discovered
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: mkdir %s: %w", dir, err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
		next:  make(map[string]int),
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// lockFor returns the per-conversation mutex, creating it on first use.
func (s *Store) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

func validateID(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("cache: empty conversation id")
	}
	if strings.ContainsAny(conversationID, `/\`) || conversationID == "." || conversationID == ".." {
		return fmt.Errorf("cache: invalid conversation id %q", conversationID)
	}
	return nil
}

func (s *Store) historyPath(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".jsonl")
}

func (s *Store) modelPath(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".model.json")
}

func (s *Store) tokensPath(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".tokens.json")
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

// Append writes one completed turn. The entry's ConversationID, TurnIndex,
// and Timestamp are assigned by the store; values supplied by the caller for
// those fields are ignored.
func (s *Store) Append(conversationID string, e Entry) error {
	if err := validateID(conversationID); err != nil {
		return err
	}
	l := s.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()

	idx, err := s.nextIndexLocked(conversationID)
	if err != nil {
		return err
	}

	e.ConversationID = conversationID
	e.TurnIndex = idx
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.historyPath(conversationID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cache: open %s: %w", conversationID, err)
	}
	// A crashed writer can leave a torn line with no trailing newline;
	// terminate it so the new record starts on its own line.
	if st, serr := f.Stat(); serr == nil && st.Size() > 0 {
		last := make([]byte, 1)
		if _, rerr := f.ReadAt(last, st.Size()-1); rerr == nil && last[0] != '\n' {
			line = append([]byte{'\n'}, line...)
		}
	}
	// Single write so a concurrent reader sees either the whole line or
	// nothing of it.
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("cache: append %s: %w", conversationID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cache: close %s: %w", conversationID, err)
	}

	s.mu.Lock()
	s.next[conversationID] = idx + 1
	s.mu.Unlock()
	return nil
}

// nextIndexLocked determines the next turn index, scanning the existing file
// the first time a conversation is touched. Caller holds the conversation lock.
func (s *Store) nextIndexLocked(conversationID string) (int, error) {
	s.mu.Lock()
	idx, ok := s.next[conversationID]
	s.mu.Unlock()
	if ok {
		return idx, nil
	}

	entries, err := s.readAll(conversationID)
	if err != nil {
		return 0, err
	}
	idx = 0
	if n := len(entries); n > 0 {
		idx = entries[n-1].TurnIndex + 1
	}
	return idx, nil
}

// Load returns all turns for a conversation ordered by turn index. A
// conversation with no history yields an empty slice, not an error — a
// fresh conversation is the normal case.
func (s *Store) Load(conversationID string) ([]Entry, error) {
	if err := validateID(conversationID); err != nil {
		return nil, err
	}
	l := s.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()
	return s.readAll(conversationID)
}

func (s *Store) readAll(conversationID string) ([]Entry, error) {
	f, err := os.Open(s.historyPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: open %s: %w", conversationID, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn trailing line from a crashed writer; skip it.
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", conversationID, err)
	}
	return entries, nil
}

// Evict removes all persisted state for a conversation. Evicting a
// conversation that was never written is a no-op.
func (s *Store) Evict(conversationID string) error {
	if err := validateID(conversationID); err != nil {
		return err
	}
	l := s.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()

	for _, p := range []string{
		s.historyPath(conversationID),
		s.modelPath(conversationID),
		s.tokensPath(conversationID),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cache: evict %s: %w", conversationID, err)
		}
	}

	s.mu.Lock()
	delete(s.next, conversationID)
	s.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Sidecars: model metadata and token counts
// ---------------------------------------------------------------------------

// WriteModel records the model that last served the conversation.
func (s *Store) WriteModel(conversationID string, m ModelInfo) error {
	if err := validateID(conversationID); err != nil {
		return err
	}
	return s.writeJSON(s.modelPath(conversationID), m)
}

// ReadModel returns the recorded model, or nil when none was written.
func (s *Store) ReadModel(conversationID string) (*ModelInfo, error) {
	if err := validateID(conversationID); err != nil {
		return nil, err
	}
	var m ModelInfo
	ok, err := s.readJSON(s.modelPath(conversationID), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// AddTokens adds u to the conversation's cumulative token count.
func (s *Store) AddTokens(conversationID string, u llm.Usage) error {
	if err := validateID(conversationID); err != nil {
		return err
	}
	l := s.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()

	var total llm.Usage
	if _, err := s.readJSON(s.tokensPath(conversationID), &total); err != nil {
		return err
	}
	total.Add(u)
	return s.writeJSON(s.tokensPath(conversationID), total)
}

// ReadTokens returns the cumulative token count (zero for a fresh conversation).
func (s *Store) ReadTokens(conversationID string) (llm.Usage, error) {
	if err := validateID(conversationID); err != nil {
		return llm.Usage{}, err
	}
	var total llm.Usage
	_, err := s.readJSON(s.tokensPath(conversationID), &total)
	return total, err
}

// writeJSON atomically replaces path via rename from a temp file.
func (s *Store) writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("cache: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cache: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) readJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("cache: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
