package realtime

import (
	v1 "wander/contracts/realtime/v1"
)

// room is the set of local connections interested in one conversation.
// It is not safe for concurrent use; the Hub guards it.
type room struct {
	conversationID string
	members        map[string]*Client // session id -> client
}

func newRoom(conversationID string) *room {
	return &room{
		conversationID: conversationID,
		members:        make(map[string]*Client, 2),
	}
}

func (r *room) add(c *Client) {
	r.members[c.SessionID] = c
}

func (r *room) remove(sessionID string) {
	delete(r.members, sessionID)
}

func (r *room) empty() bool { return len(r.members) == 0 }

// broadcast fans env out to every member except excludeSession.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *room) broadcast(env v1.Envelope, excludeSession string) (delivered, dropped int) {
	for sid, m := range r.members {
		if m == nil || sid == excludeSession {
			continue
		}
		if m.TrySend(env) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
