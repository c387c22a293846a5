package memory

import (
	"sync"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// Buffer is the conversation memory of one agent within one run.
// It keeps a pinned system turn and evicts the oldest other turns once the
// token budget is exceeded.
type Buffer struct {
	mu        sync.RWMutex
	maxTokens int
	system    *core.Turn
	turns     []core.Turn
	// paired[i] marks turns[i] as the user half of an exchange ending at turns[i+1].
	paired  []bool
	used    int
	evicted int
}

// NewBuffer creates an empty buffer bounded by maxTokens.
func NewBuffer(maxTokens int) *Buffer {
	return &Buffer{maxTokens: maxTokens}
}

// NewBufferFor creates the buffer an agent's memory policy asks for, or nil when memory is disabled.
func NewBufferFor(agent *core.AgentDefinition) *Buffer {
	if agent == nil || !agent.Memory.Enabled() {
		return nil
	}
	b := NewBuffer(agent.Memory.MaxTokens)
	b.SetSystem(agent.SystemPrompt())
	return b
}

// SetSystem pins the system turn. It is never evicted.
func (b *Buffer) SetSystem(content string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.system != nil {
		b.used -= TurnTokens(*b.system)
	}
	turn := core.Turn{Role: core.RoleSystem, Kind: core.TurnSystem, Content: content}
	b.system = &turn
	b.used += TurnTokens(turn)
	b.evictLocked()
}

// Append adds a turn and evicts from the oldest end until the buffer fits.
func (b *Buffer) Append(role, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.appendLocked(core.Turn{Role: role, Kind: core.TurnMemory, Content: content}, false)
	b.evictLocked()
}

// AppendExchange records one completed user/assistant exchange. The two
// turns are evicted together.
func (b *Buffer) AppendExchange(input, output string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.appendLocked(core.Turn{Role: core.RoleUser, Kind: core.TurnMemory, Content: input}, true)
	b.appendLocked(core.Turn{Role: core.RoleAssistant, Kind: core.TurnMemory, Content: output}, false)
	b.evictLocked()
}

func (b *Buffer) appendLocked(turn core.Turn, pairedWithNext bool) {
	b.turns = append(b.turns, turn)
	b.paired = append(b.paired, pairedWithNext)
	b.used += TurnTokens(turn)
}

func (b *Buffer) evictLocked() {
	for b.used > b.maxTokens && len(b.turns) > 0 {
		n := 1
		if b.paired[0] && len(b.turns) > 1 {
			n = 2
		}
		for _, t := range b.turns[:n] {
			b.used -= TurnTokens(t)
		}
		b.turns = b.turns[n:]
		b.paired = b.paired[n:]
		b.evicted += n
	}
}

// History returns the non-system turns, oldest first.
func (b *Buffer) History() []core.Turn {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]core.Turn(nil), b.turns...)
}

// Turns returns the system turn (if set) followed by the history.
func (b *Buffer) Turns() []core.Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]core.Turn, 0, len(b.turns)+1)
	if b.system != nil {
		out = append(out, *b.system)
	}
	return append(out, b.turns...)
}

// Tokens returns the estimated size of all retained turns.
func (b *Buffer) Tokens() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.used
}

// Len returns the number of non-system turns.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}

// Evicted returns how many turns have been dropped so far.
func (b *Buffer) Evicted() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

// MaxTokens returns the budget.
func (b *Buffer) MaxTokens() int {
	return b.maxTokens
}

// Store holds the buffers of one run, keyed by agent.
type Store struct {
	mu      sync.Mutex
	buffers map[core.AgentID]*Buffer
}

// NewStore creates an empty per-run store.
func NewStore() *Store {
	return &Store{buffers: make(map[core.AgentID]*Buffer)}
}

// For returns the agent's buffer, creating it on first use. Nil when the agent keeps no memory.
func (s *Store) For(agent *core.AgentDefinition) *Buffer {
	if agent == nil || !agent.Memory.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[agent.ID]; ok {
		return b
	}
	b := NewBufferFor(agent)
	s.buffers[agent.ID] = b
	return b
}
