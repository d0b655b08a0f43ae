package tools

import (
	"sort"
	"strings"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/id"
	"github.com/ansiblemesh/ansible/internal/state"
	"github.com/ansiblemesh/ansible/internal/util/sanitize"
	"github.com/ansiblemesh/ansible/internal/validate"
)

// DelegateTaskParams carries the delegate_task inputs. Assignment is
// resolved to concrete agents: an explicit AssignedTo wins; otherwise
// agents whose context advertises SkillRequired are assigned.
type DelegateTaskParams struct {
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Context       string         `json:"context,omitempty"`
	AssignedTo    []string       `json:"assignedTo,omitempty"`
	Requires      []string       `json:"requires,omitempty"`
	SkillRequired string         `json:"skillRequired,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DelegateTask writes a pending task.
func (s *Service) DelegateTask(p DelegateTaskParams) (string, error) {
	if err := validate.Required("title", p.Title, validate.MaxTitle); err != nil {
		return "", err
	}
	if err := validate.MaxLen("description", p.Description, validate.MaxDescription); err != nil {
		return "", err
	}
	if err := validate.MaxLen("context", p.Context, validate.MaxContext); err != nil {
		return "", err
	}

	assigned := p.AssignedTo
	if len(assigned) == 0 && p.SkillRequired != "" {
		assigned = s.agentsWithSkill(p.SkillRequired)
	}

	now := s.now().UnixMilli()
	taskID := id.NewID()
	rec := map[string]any{
		"id":              taskID,
		"title":           sanitize.Title(p.Title, validate.MaxTitle),
		"description":     p.Description,
		"status":          "pending",
		"createdBy_agent": s.self,
		"createdBy_node":  s.self,
		"createdAt":       now,
		"updatedAt":       now,
	}
	if p.Context != "" {
		rec["context"] = p.Context
	}
	if len(assigned) > 0 {
		rec["assignedTo_agents"] = assigned
	}
	if len(p.Requires) > 0 {
		rec["requires"] = p.Requires
	}
	if p.SkillRequired != "" {
		rec["skillRequired"] = p.SkillRequired
	}
	if len(p.Metadata) > 0 {
		rec["metadata"] = p.Metadata
	}
	s.doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Tasks, taskID, rec)
	})
	return taskID, nil
}

// agentsWithSkill returns the registered agents whose context
// advertises the skill, sorted.
func (s *Service) agentsWithSkill(skill string) []string {
	var out []string
	for _, agentID := range s.doc.Keys(state.Agents) {
		skills, ok := s.doc.GetField(state.Context, agentID, "skills")
		if ok && state.Contains(skills, skill) {
			out = append(out, agentID)
		}
	}
	sort.Strings(out)
	return out
}

// resolveTaskID accepts a full task id or a unique prefix. Two or more
// matches is an ambiguity error, zero a not-found.
func (s *Service) resolveTaskID(idOrPrefix string) (string, error) {
	if idOrPrefix == "" {
		return "", fault.New(fault.InvalidParams, "taskId must not be empty")
	}
	if s.doc.Has(state.Tasks, idOrPrefix) {
		return idOrPrefix, nil
	}
	var matches []string
	for _, taskID := range s.doc.Keys(state.Tasks) {
		if strings.HasPrefix(taskID, idOrPrefix) {
			matches = append(matches, taskID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fault.Newf(fault.NotFound, "no task matches %q", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		return "", fault.Newf(fault.Ambiguous, "%d tasks match prefix %q", len(matches), idOrPrefix)
	}
}

// ClaimTask transitions a pending task to claimed. The agent defaults
// to this node.
func (s *Service) ClaimTask(idOrPrefix, agentID string) (string, error) {
	if agentID == "" {
		agentID = s.self
	}
	taskID, err := s.resolveTaskID(idOrPrefix)
	if err != nil {
		return "", err
	}

	var opErr error
	s.doc.Transact(func(tx *state.Txn) {
		rec, ok := tx.Get(state.Tasks, taskID)
		if !ok {
			opErr = fault.Newf(fault.NotFound, "no task matches %q", taskID)
			return
		}
		if status := state.AsString(rec["status"]); status != "pending" {
			opErr = fault.Newf(fault.InvalidState, "task %s is %s, only pending tasks can be claimed", taskID, status)
			return
		}
		now := s.now().UnixMilli()
		tx.SetField(state.Tasks, taskID, "status", "claimed")
		tx.SetField(state.Tasks, taskID, "claimedBy_agent", agentID)
		tx.SetField(state.Tasks, taskID, "claimedBy_node", s.self)
		tx.SetField(state.Tasks, taskID, "claimedAt", now)
		tx.SetField(state.Tasks, taskID, "updatedAt", now)
	})
	if opErr != nil {
		return "", opErr
	}
	return taskID, nil
}

// UpdateTaskParams carries the update_task inputs. AgentID is the
// acting agent; it defaults to the node's own agent identity.
type UpdateTaskParams struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"` // in_progress or failed
	AgentID string `json:"agentId,omitempty"`
	Note    string `json:"note,omitempty"`
	Result  string `json:"result,omitempty"`
	Notify  bool   `json:"notify,omitempty"`
}

// UpdateTask moves a claimed task along its lifecycle. Only the
// claiming agent may update.
func (s *Service) UpdateTask(p UpdateTaskParams) error {
	switch p.Status {
	case "in_progress", "failed":
	default:
		return fault.Newf(fault.InvalidParams, "status must be in_progress or failed, got %q", p.Status)
	}
	if err := validate.MaxLen("result", p.Result, validate.MaxResult); err != nil {
		return err
	}
	agent := p.AgentID
	if agent == "" {
		agent = s.self
	}
	taskID, err := s.resolveTaskID(p.TaskID)
	if err != nil {
		return err
	}

	var creator string
	var opErr error
	s.doc.Transact(func(tx *state.Txn) {
		rec, ok := tx.Get(state.Tasks, taskID)
		if !ok {
			opErr = fault.Newf(fault.NotFound, "no task matches %q", taskID)
			return
		}
		if claimer := state.AsString(rec["claimedBy_agent"]); claimer != agent {
			opErr = fault.Newf(fault.InvalidState, "task %s is claimed by %q, not %q", taskID, claimer, agent)
			return
		}
		creator = state.AsString(rec["createdBy_agent"])
		now := s.now().UnixMilli()
		tx.SetField(state.Tasks, taskID, "status", p.Status)
		tx.SetField(state.Tasks, taskID, "updatedAt", now)
		if p.Note != "" {
			tx.SetField(state.Tasks, taskID, "note", p.Note)
		}
		if p.Result != "" {
			tx.SetField(state.Tasks, taskID, "result", p.Result)
		}
	})
	if opErr != nil {
		return opErr
	}

	if p.Notify && creator != "" && creator != s.self {
		// Best effort: the update succeeded even if the note fails.
		_, _ = s.SendMessage(SendMessageParams{
			Content: "Task " + taskID + " is now " + p.Status,
			To:      []string{creator},
		})
	}
	return nil
}

// CompleteTaskParams carries the complete_task inputs. AgentID is the
// acting agent; it defaults to the node's own agent identity.
type CompleteTaskParams struct {
	TaskID  string `json:"taskId"`
	Result  string `json:"result,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// CompleteTask finishes a claimed task and always notifies the
// creator. Only the claiming agent may complete.
func (s *Service) CompleteTask(p CompleteTaskParams) error {
	if err := validate.MaxLen("result", p.Result, validate.MaxResult); err != nil {
		return err
	}
	agent := p.AgentID
	if agent == "" {
		agent = s.self
	}
	taskID, err := s.resolveTaskID(p.TaskID)
	if err != nil {
		return err
	}

	var creator, title string
	var opErr error
	s.doc.Transact(func(tx *state.Txn) {
		rec, ok := tx.Get(state.Tasks, taskID)
		if !ok {
			opErr = fault.Newf(fault.NotFound, "no task matches %q", taskID)
			return
		}
		if claimer := state.AsString(rec["claimedBy_agent"]); claimer != agent {
			opErr = fault.Newf(fault.InvalidState, "task %s is claimed by %q, not %q", taskID, claimer, agent)
			return
		}
		creator = state.AsString(rec["createdBy_agent"])
		title = state.AsString(rec["title"])
		now := s.now().UnixMilli()
		tx.SetField(state.Tasks, taskID, "status", "completed")
		tx.SetField(state.Tasks, taskID, "completedAt", now)
		tx.SetField(state.Tasks, taskID, "updatedAt", now)
		if p.Result != "" {
			tx.SetField(state.Tasks, taskID, "result", p.Result)
		}
	})
	if opErr != nil {
		return opErr
	}

	if creator != "" && creator != agent {
		content := "Task completed: " + title
		if p.Result != "" {
			content += "\n" + p.Result
		}
		// Best effort notification.
		_, _ = s.SendMessage(SendMessageParams{Content: content, To: []string{creator}})
	}
	return nil
}

// Agent is one registry row.
type Agent struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type"`
	Gateway string `json:"gateway,omitempty"`
}

// RegisterAgent adds an agent to the registry through the presence
// layer.
func (s *Service) RegisterAgent(agentID, name, agentType, gateway string) error {
	if err := validate.NodeID("agent_id", agentID); err != nil {
		return err
	}
	return s.presence.RegisterAgent(agentID, name, agentType, gateway)
}

// ListAgents returns the registry sorted by agent id.
func (s *Service) ListAgents() ([]Agent, error) {
	var out []Agent
	for _, agentID := range s.doc.Keys(state.Agents) {
		rec, ok := s.doc.Get(state.Agents, agentID)
		if !ok {
			continue
		}
		out = append(out, Agent{
			AgentID: agentID,
			Name:    state.AsString(rec["name"]),
			Type:    state.AsString(rec["type"]),
			Gateway: state.AsString(rec["gateway"]),
		})
	}
	return out, nil
}
