package gmail

type MessageID string
type ThreadID string
type LabelID string

// Message is the header-level view of a Gmail message.
type Message struct {
	ID       MessageID
	ThreadID ThreadID
	Headers  map[string]string // From, To, Subject, Auto-Submitted, List-Id, Precedence, ...
}

// Header returns the named header and whether it was present.
func (m Message) Header(name string) (string, bool) {
	v, ok := m.Headers[name]
	return v, ok
}

// Thread lists the messages of a conversation in Gmail order, oldest first.
type Thread struct {
	ID       ThreadID
	Messages []MessageID
}

// Replies returns every message after the first one.
func (t Thread) Replies() []MessageID {
	if len(t.Messages) <= 1 {
		return nil
	}
	return t.Messages[1:]
}

type ListPage struct {
	Messages      []MessageRef
	NextPageToken string
}

type MessageRef struct {
	ID       MessageID
	ThreadID ThreadID
}

// LabelSpec describes a user label to look up or create.
type LabelSpec struct {
	Name                  string
	LabelListVisibility   string // labelShow, labelShowIfUnread, labelHide
	MessageListVisibility string // show, hide
}

type ModifyOps struct {
	AddLabels []LabelID
}

type Query struct {
	Raw string // Gmail query string, already formed (e.g., `is:unread`)
}

// Profile identifies the authenticated mailbox.
type Profile struct {
	EmailAddress string
}
