// Package access decides who may talk to the relay and who is exempt from
// throughput limits. It is a pure predicate over configured lists; it holds
// no per-conversation state.
package access

import "strings"

type Gate struct {
	users  map[string]struct{}
	chats  map[string]struct{}
	admins map[string]struct{}
	open   bool
}

// NewGate builds a gate from allow lists. An empty users+chats list admits
// everyone. Admins are always admitted and always exempt from rate limits.
func NewGate(users, chats, admins []string) *Gate {
	g := &Gate{
		users:  toSet(users),
		chats:  toSet(chats),
		admins: toSet(admins),
	}
	g.open = len(g.users) == 0 && len(g.chats) == 0
	return g
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(strings.TrimPrefix(item, "@"))
		if item == "" {
			continue
		}
		set[item] = struct{}{}
	}
	return set
}

// IsAllowed reports whether a message from userID in chatID may enter the
// relay. A sender on the user list is admitted in any chat; a chat on the
// chat list admits all of its senders.
func (g *Gate) IsAllowed(userID, chatID string) bool {
	if g.open {
		return true
	}
	if _, ok := g.admins[userID]; ok {
		return true
	}
	if _, ok := g.users[userID]; ok {
		return true
	}
	_, ok := g.chats[chatID]
	return ok
}

// IsExempt reports whether userID bypasses the message limit entirely.
func (g *Gate) IsExempt(userID string) bool {
	if _, ok := g.admins[userID]; ok {
		return true
	}
	// Individually allow-listed users are trusted the same way the admin
	// list is; only chat-level admissions stay subject to the limit.
	_, ok := g.users[userID]
	return ok
}
