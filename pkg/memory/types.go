package memory

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/mnemo/pkg/llm"
)

// Retrieval selects which user memories are loaded into the prompt.
type Retrieval string

const (
	// RetrievalLastN loads the most recent NumMemories memories.
	RetrievalLastN Retrieval = "last_n"
	// RetrievalFirstN loads the oldest NumMemories memories.
	RetrievalFirstN Retrieval = "first_n"
	// RetrievalAll loads every memory of the user.
	RetrievalAll Retrieval = "all"
)

// ParseRetrieval validates a retrieval name. Empty selects RetrievalLastN.
func ParseRetrieval(s string) (Retrieval, error) {
	switch Retrieval(s) {
	case "":
		return RetrievalLastN, nil
	case RetrievalLastN, RetrievalFirstN, RetrievalAll:
		return Retrieval(s), nil
	}
	return "", fmt.Errorf("unsupported memory retrieval %q", s)
}

// Sort orders memory rows by creation time.
type Sort string

const (
	SortAsc  Sort = "asc"
	SortDesc Sort = "desc"
)

// Memory is a single durable fact about a user.
type Memory struct {
	ID     string `json:"id,omitempty"`
	Memory string `json:"memory"`
	Topic  string `json:"topic,omitempty"`
	Input  string `json:"input,omitempty"`
}

// ToMap converts the memory to the document stored in MemoryRow.Memory.
// The id lives on the row and is not duplicated in the document.
func (m Memory) ToMap() map[string]interface{} {
	out := map[string]interface{}{"memory": m.Memory}
	if m.Topic != "" {
		out["topic"] = m.Topic
	}
	if m.Input != "" {
		out["input"] = m.Input
	}
	return out
}

// MemoryRow is the persisted form of a Memory.
type MemoryRow struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id,omitempty"`
	Memory    map[string]interface{} `json:"memory"`
	CreatedAt time.Time              `json:"created_at,omitempty"`
	UpdatedAt time.Time              `json:"updated_at,omitempty"`
}

// NewMemoryRow builds a row for userID with a content-addressed id.
func NewMemoryRow(userID string, m Memory) MemoryRow {
	row := MemoryRow{UserID: userID, Memory: m.ToMap()}
	row.ID = row.ComputeID()
	return row
}

// ComputeID returns the hex MD5 of the memory JSON followed by the user id.
// encoding/json sorts map keys, so equal content yields equal ids.
func (r MemoryRow) ComputeID() string {
	data, _ := json.Marshal(r.Memory)
	sum := md5.Sum(append(data, []byte(r.UserID)...))
	return hex.EncodeToString(sum[:])
}

// EnsureID fills ID from the content when it is empty.
func (r *MemoryRow) EnsureID() {
	if r.ID == "" {
		r.ID = r.ComputeID()
	}
}

// ToMemory decodes the stored document. The row id becomes the memory id.
func (r MemoryRow) ToMemory() Memory {
	m := Memory{ID: r.ID}
	if v, ok := r.Memory["memory"].(string); ok {
		m.Memory = v
	}
	if v, ok := r.Memory["topic"].(string); ok {
		m.Topic = v
	}
	if v, ok := r.Memory["input"].(string); ok {
		m.Input = v
	}
	return m
}

// SessionSummary is the model-generated summary of a session.
type SessionSummary struct {
	Summary string   `json:"summary" jsonschema:"required,description=Summary of the session. Be concise and focus on only important information. Do not make anything up."`
	Topics  []string `json:"topics,omitempty" jsonschema:"description=Topics discussed in the session."`
}

// RunResponse is the result of one agent run.
type RunResponse struct {
	RunID     string                 `json:"run_id"`
	SessionID string                 `json:"session_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Content   string                 `json:"content"`
	Model     string                 `json:"model,omitempty"`
	Messages  []llm.Message          `json:"messages,omitempty"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	CreatedAt int64                  `json:"created_at"`
}

// AgentRun records one exchange: the user message that started it, any
// messages added during the run, and the final response.
type AgentRun struct {
	Message  *llm.Message  `json:"message,omitempty"`
	Messages []llm.Message `json:"messages,omitempty"`
	Response *RunResponse  `json:"response,omitempty"`
}

// MessagePair is a user message and the assistant reply that answered it.
type MessagePair struct {
	User      llm.Message `json:"user"`
	Assistant llm.Message `json:"assistant"`
}

func cloneRun(r AgentRun) AgentRun {
	out := AgentRun{Messages: llm.CloneMessages(r.Messages)}
	if r.Message != nil {
		m := r.Message.Clone()
		out.Message = &m
	}
	if r.Response != nil {
		resp := *r.Response
		resp.Messages = llm.CloneMessages(r.Response.Messages)
		if r.Response.Metrics != nil {
			resp.Metrics = make(map[string]interface{}, len(r.Response.Metrics))
			for k, v := range r.Response.Metrics {
				resp.Metrics[k] = v
			}
		}
		out.Response = &resp
	}
	return out
}
