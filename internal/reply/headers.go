package reply

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	gc "github.com/joshsymonds/chronoreply/internal/gmail"
)

// ErrMissingHeader is returned when a message lacks From, To or Subject.
var ErrMissingHeader = errors.New("missing header")

const (
	headerFrom             = "From"
	headerTo               = "To"
	headerSubject          = "Subject"
	headerAutoSubmitted    = "Auto-Submitted"
	headerPrecedence       = "Precedence"
	headerListID           = "List-Id"
	headerAutoRespSuppress = "X-Auto-Response-Suppress"
)

func fetchHeaders() []string {
	return []string{
		headerFrom,
		headerTo,
		headerSubject,
		headerAutoSubmitted,
		headerPrecedence,
		headerListID,
		headerAutoRespSuppress,
	}
}

type envelope struct {
	From    string
	To      string
	Subject string
}

func envelopeOf(msg gc.Message) (envelope, error) {
	var env envelope
	for _, h := range []struct {
		name string
		dst  *string
	}{
		{headerFrom, &env.From},
		{headerTo, &env.To},
		{headerSubject, &env.Subject},
	} {
		v, ok := msg.Header(h.name)
		if !ok {
			return envelope{}, fmt.Errorf("%w: %s", ErrMissingHeader, h.name)
		}
		*h.dst = v
	}
	return env, nil
}

// automatedReason explains why a message looks machine-generated or
// list-originated (RFC 3834), or returns "" when a reply is appropriate.
func automatedReason(msg gc.Message) string {
	if v := strings.ToLower(strings.TrimSpace(msg.Headers[headerAutoSubmitted])); v != "" && v != "no" {
		return "auto-submitted"
	}
	switch strings.ToLower(strings.TrimSpace(msg.Headers[headerPrecedence])) {
	case "bulk", "list", "junk":
		return "bulk precedence"
	}
	if strings.TrimSpace(msg.Headers[headerListID]) != "" {
		return "mailing list"
	}
	for _, v := range strings.Split(msg.Headers[headerAutoRespSuppress], ",") {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "all", "oof":
			return "auto-response suppressed"
		}
	}
	return ""
}

// addressOf extracts the bare lower-cased address from a From/To value.
func addressOf(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.ToLower(strings.Trim(value, "<> "))
	}
	return strings.ToLower(addr.Address)
}
