// Package memory is the scored-match retrieval capability the runtime
// consumes as a black box. The retrieval contract is deterministic: a
// record's score is the number of query tokens its content contains,
// zero-score records are dropped, and results order by (-score, id).
package memory

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Record is one stored memory, keyed by (workspace, agent, id).
type Record struct {
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id"`
	MemoryID    string `json:"memory_id"`
	Content     string `json:"content"`
}

// Match is one ranked retrieval result.
type Match struct {
	MemoryID string  `json:"memory_id"`
	Score    float64 `json:"score"`
	Content  string  `json:"content"`
}

// Store is the memory capability port.
type Store interface {
	Upsert(ctx context.Context, workspaceID, agentID, memoryID, content string) error
	Search(ctx context.Context, workspaceID, agentID, query string, topK int) ([]Match, error)
}

var (
	entropyMu sync.Mutex
	entropy   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewID returns a sortable memory record id.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return "memory-" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Rank scores records against the query per the retrieval contract and
// truncates to topK. Shared by every Store implementation.
func Rank(records []Record, query string, topK int) []Match {
	if topK <= 0 {
		return []Match{}
	}
	tokens := strings.Fields(strings.ToLower(query))
	matches := []Match{}
	for _, r := range records {
		haystack := strings.ToLower(r.Content)
		score := 0
		for _, token := range tokens {
			if strings.Contains(haystack, token) {
				score++
			}
		}
		if score == 0 && len(tokens) > 0 {
			continue
		}
		matches = append(matches, Match{MemoryID: r.MemoryID, Score: float64(score), Content: r.Content})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].MemoryID < matches[j].MemoryID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// InMemory is the map-backed Store used by tests and ephemeral mode.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]Record)}
}

func recordKey(workspaceID, agentID, memoryID string) string {
	return workspaceID + "\x00" + agentID + "\x00" + memoryID
}

func (s *InMemory) Upsert(ctx context.Context, workspaceID, agentID, memoryID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(workspaceID, agentID, memoryID)] = Record{
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		MemoryID:    memoryID,
		Content:     content,
	}
	return nil
}

func (s *InMemory) Search(ctx context.Context, workspaceID, agentID, query string, topK int) ([]Match, error) {
	s.mu.RLock()
	var records []Record
	for _, r := range s.records {
		if r.WorkspaceID == workspaceID && r.AgentID == agentID {
			records = append(records, r)
		}
	}
	s.mu.RUnlock()
	return Rank(records, query, topK), nil
}
