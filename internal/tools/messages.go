package tools

import (
	"sort"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/id"
	"github.com/ansiblemesh/ansible/internal/state"
	"github.com/ansiblemesh/ansible/internal/validate"
)

// SendMessageParams carries the send_message inputs. Empty To means
// broadcast.
type SendMessageParams struct {
	Content  string         `json:"content"`
	To       []string       `json:"to,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendMessage writes one message into the shared state. Replication
// and dispatch take it from there.
func (s *Service) SendMessage(p SendMessageParams) (string, error) {
	if err := validate.Required("content", p.Content, validate.MaxMessage); err != nil {
		return "", err
	}

	now := s.now().UnixMilli()
	msgID := id.NewID()
	rec := map[string]any{
		"id":            msgID,
		"from_agent":    s.self,
		"from_node":     s.self,
		"content":       p.Content,
		"timestamp":     now,
		"updatedAt":     now,
		"readBy_agents": []string{s.self},
	}
	if len(p.To) > 0 {
		rec["to_agents"] = p.To
	}
	if len(p.Metadata) > 0 {
		rec["metadata"] = p.Metadata
	}
	s.doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Messages, msgID, rec)
	})
	return msgID, nil
}

// Message is one row of a read_messages result.
type Message struct {
	ID        string   `json:"id"`
	From      string   `json:"from"`
	To        []string `json:"to,omitempty"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	Unread    bool     `json:"unread"`
}

// ReadMessagesParams filters the read_messages scan. The default view
// is unread-for-self only.
type ReadMessagesParams struct {
	All   bool   `json:"all,omitempty"`
	From  string `json:"from,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ReadMessages lists messages addressed to this node, newest first.
func (s *Service) ReadMessages(p ReadMessagesParams) ([]Message, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	var out []Message
	for _, msgID := range s.doc.Keys(state.Messages) {
		rec, ok := s.doc.Get(state.Messages, msgID)
		if !ok {
			continue
		}
		if p.From != "" && state.AsString(rec["from_agent"]) != p.From {
			continue
		}
		unread := s.unreadForSelf(rec)
		if !p.All {
			if !unread {
				continue
			}
		} else if to := state.AsStringSlice(rec["to_agents"]); len(to) > 0 &&
			!containsStr(to, s.self) && state.AsString(rec["from_agent"]) != s.self {
			continue
		}
		out = append(out, Message{
			ID:        msgID,
			From:      state.AsString(rec["from_agent"]),
			To:        state.AsStringSlice(rec["to_agents"]),
			Content:   state.AsString(rec["content"]),
			Timestamp: state.AsInt64(rec["timestamp"]),
			Unread:    unread,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRead unions self into readBy_agents of the given messages, or of
// every unread-for-self message when no ids are given. Returns the
// number of messages marked.
func (s *Service) MarkRead(messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		for _, msgID := range s.doc.Keys(state.Messages) {
			rec, ok := s.doc.Get(state.Messages, msgID)
			if ok && s.unreadForSelf(rec) {
				messageIDs = append(messageIDs, msgID)
			}
		}
	}

	marked := 0
	s.doc.Transact(func(tx *state.Txn) {
		for _, msgID := range messageIDs {
			rec, ok := tx.Get(state.Messages, msgID)
			if !ok {
				continue
			}
			readBy := state.AsStringSlice(rec["readBy_agents"])
			if containsStr(readBy, s.self) {
				continue
			}
			tx.SetField(state.Messages, msgID, "readBy_agents", append(readBy, s.self))
			marked++
		}
	})
	return marked, nil
}

// DeleteMessagesParams carries the destructive delete_messages inputs.
// At least one selector is required, plus the literal confirmation and
// a substantive reason.
type DeleteMessagesParams struct {
	IDs            []string `json:"ids,omitempty"`
	All            bool     `json:"all,omitempty"`
	From           string   `json:"from,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	BeforeTs       int64    `json:"beforeTs,omitempty"`
	Confirm        string   `json:"confirm"`
	Reason         string   `json:"reason"`
	DryRun         bool     `json:"dryRun,omitempty"`
}

// DeleteConfirmation is the literal string delete_messages requires.
const DeleteConfirmation = "DELETE MESSAGES"

// DeleteMessages permanently removes messages matching the selectors.
// Requires the admin capability on this node. Returns the matched ids;
// with DryRun nothing is deleted.
func (s *Service) DeleteMessages(p DeleteMessagesParams) ([]string, error) {
	if !s.isAdmin() {
		return nil, fault.New(fault.NotAuthorized, "delete_messages requires the admin capability")
	}
	if !p.DryRun {
		if err := validate.Confirmation(p.Confirm, DeleteConfirmation, p.Reason); err != nil {
			return nil, err
		}
	}
	if len(p.IDs) == 0 && !p.All && p.From == "" && p.ConversationID == "" && p.BeforeTs == 0 {
		return nil, fault.New(fault.InvalidParams, "at least one selector is required")
	}

	var matched []string
	for _, msgID := range s.doc.Keys(state.Messages) {
		rec, ok := s.doc.Get(state.Messages, msgID)
		if !ok {
			continue
		}
		switch {
		case len(p.IDs) > 0 && !containsStr(p.IDs, msgID):
			continue
		case p.From != "" && state.AsString(rec["from_agent"]) != p.From:
			continue
		case p.ConversationID != "" && state.AsString(rec["conversationId"]) != p.ConversationID:
			continue
		case p.BeforeTs > 0 && state.AsInt64(rec["timestamp"]) >= p.BeforeTs:
			continue
		}
		matched = append(matched, msgID)
	}
	sort.Strings(matched)

	if p.DryRun {
		return matched, nil
	}
	s.doc.Transact(func(tx *state.Txn) {
		for _, msgID := range matched {
			tx.Delete(state.Messages, msgID)
		}
	})
	return matched, nil
}
