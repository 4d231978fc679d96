// Package roster tracks the conversation participants and their availability.
// An agent is active while it can join the conversation; delegating a task
// deactivates it until the task reaches a terminal state.
package roster

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewline/chorus/internal/bus"
)

// Agent is one named participant.
type Agent struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Specialty    string `json:"specialty,omitempty"`
	Personality  string `json:"personality,omitempty"`
	Voice        string `json:"voice,omitempty"`
	AutoComplete bool   `json:"auto_complete,omitempty"`

	// Active is false while the agent is excluded from dispatch, working a
	// task. An agent with a non-empty TaskID is never active.
	Active bool   `json:"active"`
	TaskID string `json:"task_id,omitempty"`

	// BranchRef is the agent's working branch, created lazily on first commit.
	BranchRef string `json:"branch_ref,omitempty"`

	AddedAt time.Time `json:"added_at"`
}

// Busy reports whether the agent is excluded from dispatch by an open task.
func (a Agent) Busy() bool {
	return !a.Active && a.TaskID != ""
}

// Registry holds the agents, guarded by a single RWMutex. Dispatch reads the
// set far more often than membership changes.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string // insertion order, for deterministic fan-out
	bus    *bus.Bus // may be nil in tests
}

func New(eventBus *bus.Bus) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		bus:    eventBus,
	}
}

// Add registers a new agent. New agents join active.
func (r *Registry) Add(a Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("agent id must be non-empty")
	}
	if a.DisplayName == "" {
		a.DisplayName = a.ID
	}
	a.Active = true
	a.TaskID = ""
	a.AddedAt = time.Now()

	r.mu.Lock()
	if _, exists := r.agents[a.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("agent %q already exists", a.ID)
	}
	stored := a
	r.agents[a.ID] = &stored
	r.order = append(r.order, a.ID)
	r.mu.Unlock()

	r.publish(bus.TopicAgentAdded, a.ID, a.DisplayName)
	return nil
}

// Remove drops an agent from the roster entirely.
func (r *Registry) Remove(agentID string) (Agent, error) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return Agent{}, fmt.Errorf("agent %q not found", agentID)
	}
	removed := *a
	delete(r.agents, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.publish(bus.TopicAgentRemoved, removed.ID, removed.DisplayName)
	return removed, nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// List returns snapshots of all agents in insertion order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// ActiveAgents returns snapshots of agents currently in the conversation.
func (r *Registry) ActiveAgents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		if r.agents[id].Active {
			out = append(out, *r.agents[id])
		}
	}
	return out
}

// Addressed returns the first agent, in insertion order, whose display name
// appears in the text. The match is case-insensitive and ignores the agent's
// availability; callers decide what a hit on a busy agent means.
func (r *Registry) Addressed(text string) (Agent, bool) {
	lower := strings.ToLower(text)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		a := r.agents[id]
		if a.DisplayName == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(a.DisplayName)) {
			return *a, true
		}
	}
	return Agent{}, false
}

// Deactivate excludes an agent from dispatch while it works taskID.
func (r *Registry) Deactivate(agentID, taskID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %q not found", agentID)
	}
	a.Active = false
	a.TaskID = taskID
	name := a.DisplayName
	r.mu.Unlock()

	r.publish(bus.TopicAgentDeactivated, agentID, name)
	return nil
}

// Reactivate returns an agent to the conversation after its task completes.
// Returns false when the agent was already active (or unknown), so a double
// completion reactivates at most once.
func (r *Registry) Reactivate(agentID string) bool {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok || a.Active {
		r.mu.Unlock()
		return false
	}
	a.Active = true
	a.TaskID = ""
	name := a.DisplayName
	r.mu.Unlock()

	r.publish(bus.TopicAgentActivated, agentID, name)
	return true
}

// ReactivateIdle flips every inactive agent with no open task back to active
// and returns them. Used when a dispatch finds no one to respond.
func (r *Registry) ReactivateIdle() []Agent {
	r.mu.Lock()
	var woken []Agent
	for _, id := range r.order {
		a := r.agents[id]
		if !a.Active && a.TaskID == "" {
			a.Active = true
			woken = append(woken, *a)
		}
	}
	r.mu.Unlock()

	for _, a := range woken {
		r.publish(bus.TopicAgentActivated, a.ID, a.DisplayName)
	}
	return woken
}

// SetBranchRef records the lazily created working branch for an agent.
func (r *Registry) SetBranchRef(agentID, ref string) {
	r.mu.Lock()
	if a, ok := r.agents[agentID]; ok {
		a.BranchRef = ref
	}
	r.mu.Unlock()
}

// Count returns total and active agent counts.
func (r *Registry) Count() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.agents)
	for _, a := range r.agents {
		if a.Active {
			active++
		}
	}
	return total, active
}

// SortedIDs returns all agent IDs in lexical order, for stable status output.
func (r *Registry) SortedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) publish(topic, agentID, displayName string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, bus.AgentEvent{AgentID: agentID, DisplayName: displayName})
}
