package chatsync

import "sort"

// mergeConversations combines two copies of the same conversation. Messages
// are unioned by id and a message's read flag is true if either copy has
// it. The result is independent of argument order apart from scalar fields
// that only base supplies, so two devices merging each other's state end
// up with the same message list.
//
// Neither input is modified.
func mergeConversations(base, incoming *Conversation) *Conversation {
	switch {
	case base == nil:
		return incoming.Clone()
	case incoming == nil:
		return base.Clone()
	}

	out := base.Clone()
	if out.ID == "" {
		out.ID = incoming.ID
	}
	if len(out.Participants) == 0 {
		out.Participants = append([]string(nil), incoming.Participants...)
	}
	out.ParticipantNames = unionMap(out.ParticipantNames, incoming.ParticipantNames)
	out.ParticipantRoles = unionMap(out.ParticipantRoles, incoming.ParticipantRoles)
	if out.VehicleID == "" {
		out.VehicleID = incoming.VehicleID
	}
	if out.CreatedAt.IsZero() || (!incoming.CreatedAt.IsZero() && incoming.CreatedAt.Before(out.CreatedAt)) {
		out.CreatedAt = incoming.CreatedAt
	}

	out.Messages = mergeMessages(out.Messages, incoming.Messages)
	if incoming.LastMessageTimestamp.After(out.LastMessageTimestamp) {
		out.LastMessageTimestamp = incoming.LastMessageTimestamp
	}
	refreshSummary(out)
	if out.LastMessage == nil && incoming.LastMessage != nil {
		lm := *incoming.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// mergeMessages unions two message lists by id, ORs read flags and orders
// the result by (timestamp, id).
func mergeMessages(a, b []Message) []Message {
	index := make(map[string]int, len(a)+len(b))
	out := make([]Message, 0, len(a)+len(b))
	for _, list := range [][]Message{a, b} {
		for _, m := range list {
			if i, ok := index[m.ID]; ok {
				if m.Read {
					out[i].Read = true
				}
				if out[i].ImageURL == "" && m.ImageURL != "" {
					out[i].ImageURL = m.ImageURL
				}
				continue
			}
			index[m.ID] = len(out)
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// refreshSummary recomputes LastMessage from the final message and keeps
// LastMessageTimestamp from moving backwards.
func refreshSummary(c *Conversation) {
	if len(c.Messages) == 0 {
		return
	}
	last := c.Messages[len(c.Messages)-1]
	c.LastMessage = summarize(last)
	if last.Timestamp.After(c.LastMessageTimestamp) {
		c.LastMessageTimestamp = last.Timestamp
	}
}

func unionMap(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		if base[k] == "" {
			base[k] = v
		}
	}
	return base
}
