package chat

import "sort"

// InsertOrdered places m after every message whose timestamp is not later
// than its own, so equal timestamps keep arrival order.
func InsertOrdered(timeline []Message, m Message) []Message {
	i := sort.Search(len(timeline), func(i int) bool {
		return timeline[i].Timestamp.After(m.Timestamp)
	})
	timeline = append(timeline, Message{})
	copy(timeline[i+1:], timeline[i:])
	timeline[i] = m
	return timeline
}

// SortByTime orders messages ascending by timestamp, stable on ties.
func SortByTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// SameMessage reports whether a and b are two renditions of one message:
// they share a server id, or they share a correlation id.
func SameMessage(a, b Message) bool {
	if !IsPlaceholderID(a.ID) && a.ID == b.ID {
		return true
	}
	return a.CorrelationID != "" && a.CorrelationID == b.CorrelationID
}

// Prefer picks the better of two renditions of the same message: a
// server-confirmed record wins over a placeholder.
func Prefer(existing, incoming Message) Message {
	if IsPlaceholderID(existing.ID) && !IsPlaceholderID(incoming.ID) {
		if incoming.CorrelationID == "" {
			incoming.CorrelationID = existing.CorrelationID
		}
		return incoming
	}
	return existing
}
