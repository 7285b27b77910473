package model

import "time"

type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentActive   AgentStatus = "active"
	AgentStopped  AgentStatus = "stopped"
)

// Exchange is one user request with the agent's reply.
type Exchange struct {
	UserText  string
	Reply     string
	Timestamp time.Time
}

// AgentState is the in-memory state of one user's agent. It is owned by a single
// goroutine and rebuilt from storage when the worker starts.
type AgentState struct {
	UserID       string
	Status       AgentStatus
	CurrentTask  *Task
	Memory       []Exchange
	MemorySize   int
	Instructions []*Instruction
	Events       []Event
	LastActivity time.Time
}

func NewAgentState(userID string, memorySize int) *AgentState {
	if memorySize <= 0 {
		memorySize = 10
	}
	return &AgentState{
		UserID:     userID,
		Status:     AgentStarting,
		Memory:     make([]Exchange, 0, memorySize),
		MemorySize: memorySize,
	}
}

// Remember appends an exchange, dropping the oldest beyond MemorySize.
func (s *AgentState) Remember(userText, reply string) {
	s.Memory = append(s.Memory, Exchange{UserText: userText, Reply: reply, Timestamp: time.Now()})
	if over := len(s.Memory) - s.MemorySize; over > 0 {
		s.Memory = append(s.Memory[:0], s.Memory[over:]...)
	}
	s.Touch()
}

// RecentExchanges returns the last n exchanges (all when n <= 0).
func (s *AgentState) RecentExchanges(n int) []Exchange {
	if n <= 0 || len(s.Memory) <= n {
		return s.Memory
	}
	return s.Memory[len(s.Memory)-n:]
}

func (s *AgentState) Touch() { s.LastActivity = time.Now() }

// AddInstruction puts ins into the snapshot, replacing an entry with the same id.
func (s *AgentState) AddInstruction(ins *Instruction) {
	for i, cur := range s.Instructions {
		if cur.ID == ins.ID {
			s.Instructions[i] = ins
			return
		}
	}
	s.Instructions = append(s.Instructions, ins)
}
