package reply

// HandledSenders records every From value that has been sent a reply during
// this process lifetime. Entries are never removed. Not safe for concurrent
// use; cycles run one at a time.
type HandledSenders struct {
	seen map[string]struct{}
}

func NewHandledSenders() *HandledSenders {
	return &HandledSenders{seen: map[string]struct{}{}}
}

func (h *HandledSenders) Has(from string) bool {
	_, ok := h.seen[from]
	return ok
}

func (h *HandledSenders) Add(from string) {
	h.seen[from] = struct{}{}
}

func (h *HandledSenders) Len() int { return len(h.seen) }
