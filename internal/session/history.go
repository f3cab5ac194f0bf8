// ABOUTME: Bounded ring of recent conversation messages for one session.
// ABOUTME: Keeps the newest HistoryCap entries in insertion order, oldest evicted first.

package session

// HistoryCap is the maximum number of messages retained per session.
const HistoryCap = 50

// Message is one entry in a session's history.
type Message struct {
	Author      string `json:"author"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestampMs"`
}

// historyRing is a fixed-capacity ordered buffer of messages. Not safe for
// concurrent use; the owning Session serializes access.
type historyRing struct {
	buf   []Message
	start int
	count int
}

func newHistoryRing() *historyRing {
	return &historyRing{buf: make([]Message, HistoryCap)}
}

// append adds a message, evicting the oldest entry when full.
func (h *historyRing) append(msg Message) {
	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = msg
		h.count++
		return
	}
	h.buf[h.start] = msg
	h.start = (h.start + 1) % len(h.buf)
}

// messages returns the history oldest-first as a fresh slice.
func (h *historyRing) messages() []Message {
	out := make([]Message, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// restore replaces the ring contents with the given messages, keeping only
// the newest HistoryCap entries.
func (h *historyRing) restore(msgs []Message) {
	h.start = 0
	h.count = 0
	if len(msgs) > HistoryCap {
		msgs = msgs[len(msgs)-HistoryCap:]
	}
	for _, m := range msgs {
		h.append(m)
	}
}

func (h *historyRing) len() int {
	return h.count
}
