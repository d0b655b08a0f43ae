// Package tools is the named operation surface exposed to agents:
// status, messaging, task lifecycle, registry and coordination
// controls. Every operation returns a typed result or a fault error;
// callers serialize either into a single-field error envelope.
package tools

import (
	"sort"
	"time"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/presence"
	"github.com/ansiblemesh/ansible/internal/state"
	"github.com/ansiblemesh/ansible/internal/util/timefmt"
)

// Service executes tool operations against the local replica.
type Service struct {
	doc      *state.Doc
	self     string
	presence *presence.Presence
	now      func() time.Time
}

func New(doc *state.Doc, self string, p *presence.Presence) *Service {
	return &Service{doc: doc, self: self, presence: p, now: time.Now}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Service) SetNowFunc(fn func() time.Time) { s.now = fn }

// NodeStatus is one node's view in the status result, with staleness
// already applied.
type NodeStatus struct {
	NodeID       string   `json:"nodeId"`
	Tier         string   `json:"tier"`
	Status       string   `json:"status"`
	LastSeen     int64    `json:"lastSeen,omitempty"`
	LastSeenAgo  string   `json:"lastSeenAgo"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// TaskSummary is a compact pending-task row.
type TaskSummary struct {
	TaskID    string `json:"taskId"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedBy string `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"`
}

// StatusResult is the status operation's return shape.
type StatusResult struct {
	MyID              string        `json:"myId"`
	Nodes             []NodeStatus  `json:"nodes"`
	PendingTasks      []TaskSummary `json:"pendingTasks"`
	UnreadMessages    int           `json:"unreadMessages"`
	StaleAfterSeconds int64         `json:"staleAfterSeconds"`
}

// Status reports the plane as seen from this node. A node whose pulse
// is older than staleAfter is reported offline regardless of its
// stored status field.
func (s *Service) Status() (*StatusResult, error) {
	if s.doc == nil || s.self == "" {
		return nil, fault.New(fault.NotInitialized, "node is not initialized")
	}

	res := &StatusResult{
		MyID:              s.self,
		Nodes:             []NodeStatus{},
		PendingTasks:      []TaskSummary{},
		StaleAfterSeconds: int64(presence.StaleAfterDefault / time.Second),
	}

	for _, nodeID := range s.doc.Keys(state.Nodes) {
		rec, ok := s.doc.Get(state.Nodes, nodeID)
		if !ok {
			continue
		}
		ns := NodeStatus{
			NodeID:       nodeID,
			Tier:         state.AsString(rec["tier"]),
			Status:       s.presence.EffectiveStatus(nodeID, 0),
			Capabilities: state.AsStringSlice(rec["capabilities"]),
		}
		if lastSeen, ok := s.doc.GetField(state.Pulse, nodeID, "lastSeen"); ok {
			ns.LastSeen = state.AsInt64(lastSeen)
		}
		ns.LastSeenAgo = timefmt.Ago(ns.LastSeen, s.now())
		res.Nodes = append(res.Nodes, ns)
	}

	for _, taskID := range s.doc.Keys(state.Tasks) {
		rec, ok := s.doc.Get(state.Tasks, taskID)
		if !ok {
			continue
		}
		switch state.AsString(rec["status"]) {
		case "pending", "claimed", "in_progress":
		default:
			continue
		}
		res.PendingTasks = append(res.PendingTasks, TaskSummary{
			TaskID:    taskID,
			Title:     state.AsString(rec["title"]),
			Status:    state.AsString(rec["status"]),
			CreatedBy: state.AsString(rec["createdBy_agent"]),
			CreatedAt: state.AsInt64(rec["createdAt"]),
		})
	}
	sort.Slice(res.PendingTasks, func(i, j int) bool {
		if res.PendingTasks[i].CreatedAt != res.PendingTasks[j].CreatedAt {
			return res.PendingTasks[i].CreatedAt < res.PendingTasks[j].CreatedAt
		}
		return res.PendingTasks[i].TaskID < res.PendingTasks[j].TaskID
	})

	for _, msgID := range s.doc.Keys(state.Messages) {
		rec, ok := s.doc.Get(state.Messages, msgID)
		if !ok {
			continue
		}
		if s.unreadForSelf(rec) {
			res.UnreadMessages++
		}
	}
	return res, nil
}

// unreadForSelf reports whether a message is addressed to this node
// (directly or broadcast), not sent by it, and not yet read by it.
func (s *Service) unreadForSelf(rec map[string]any) bool {
	if state.AsString(rec["from_agent"]) == s.self {
		return false
	}
	if to := state.AsStringSlice(rec["to_agents"]); len(to) > 0 && !containsStr(to, s.self) {
		return false
	}
	return !state.Contains(rec["readBy_agents"], s.self)
}

// isAdmin reports whether this node advertises the admin capability.
func (s *Service) isAdmin() bool {
	rec, ok := s.doc.Get(state.Nodes, s.self)
	if !ok {
		return false
	}
	return state.Contains(rec["capabilities"], "admin")
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
