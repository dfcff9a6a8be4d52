package reply

import (
	"encoding/base64"
	"fmt"
)

// VacationBody is the fixed text of every auto-reply.
const VacationBody = "Thank you for your message. I am unavailable right now, but will respond as soon as possible..."

// Reply is a plain-text message addressed back to the original sender.
type Reply struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Compose builds the vacation reply for a message that was sent from
// origFrom to origTo. The reply goes back to origFrom.
func Compose(origFrom, origTo, subject string) Reply {
	return Reply{From: origTo, To: origFrom, Subject: subject, Body: VacationBody}
}

// Text renders headers and body as sent.
func (r Reply) Text() string {
	return fmt.Sprintf("From: %s\nTo: %s\nSubject: %s\n\n%s", r.From, r.To, r.Subject, r.Body)
}

// Raw is the URL-safe base64 form users.messages.send expects.
func (r Reply) Raw() string {
	return Encode(r.Text())
}

// Encode applies standard base64 with '+' mapped to '-' and '/' to '_'.
// Padding is kept.
func Encode(text string) string {
	return base64.URLEncoding.EncodeToString([]byte(text))
}

func DecodeRaw(raw string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode raw message: %w", err)
	}
	return string(b), nil
}
