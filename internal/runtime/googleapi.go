// Package runtime wires OAuth2 credentials and the Gmail API into gmail.Client.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/joshsymonds/chronoreply/internal/gmail"
)

const (
	me               = "me"
	breakerFailures  = 5
	breakerOpenSpell = 60 * time.Second
)

type googleClient struct {
	svc *gmail.Service
	cb  *gobreaker.CircuitBreaker
}

// NewGoogleAPIClient wraps svc; every call passes through a circuit breaker
// whose state changes are logged to log.
func NewGoogleAPIClient(svc *gmail.Service, log *slog.Logger) *googleClient {
	if log == nil {
		log = slog.Default()
	}
	return &googleClient{svc: svc, cb: newBreaker(log)}
}

func newBreaker(log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gmail",
		Timeout: breakerOpenSpell,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// isBreakerSuccess counts client-side API errors (bad request, not found,
// conflict) as healthy responses; only transport failures, throttling and
// server errors trip the breaker.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code < http.StatusInternalServerError && apiErr.Code != http.StatusTooManyRequests
	}
	return false
}

// IsConflict reports whether err is an HTTP 409 from the Gmail API.
func IsConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

func guard[T any](g *googleClient, fn func() (T, error)) (T, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %w", gc.ErrUnavailable, err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

func (g *googleClient) Profile(ctx context.Context) (gc.Profile, error) {
	p, err := guard(g, func() (*gmail.Profile, error) {
		return g.svc.Users.GetProfile(me).Context(ctx).Do()
	})
	if err != nil {
		return gc.Profile{}, err
	}
	return gc.Profile{EmailAddress: p.EmailAddress}, nil
}

func (g *googleClient) List(ctx context.Context, q gc.Query, pageToken string, pageSize int) (gc.ListPage, error) {
	res, err := guard(g, func() (*gmail.ListMessagesResponse, error) {
		call := g.svc.Users.Messages.List(me).Q(q.Raw)
		if pageSize > 0 {
			call = call.MaxResults(int64(pageSize))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		return call.Context(ctx).Do()
	})
	if err != nil {
		return gc.ListPage{}, err
	}
	page := gc.ListPage{NextPageToken: res.NextPageToken}
	for _, m := range res.Messages {
		page.Messages = append(page.Messages, gc.MessageRef{ID: gc.MessageID(m.Id), ThreadID: gc.ThreadID(m.ThreadId)})
	}
	return page, nil
}

func (g *googleClient) GetMetadata(ctx context.Context, id gc.MessageID, headers []string) (gc.Message, error) {
	msg, err := guard(g, func() (*gmail.Message, error) {
		return g.svc.Users.Messages.Get(me, string(id)).Format("metadata").MetadataHeaders(headers...).Context(ctx).Do()
	})
	if err != nil {
		return gc.Message{}, err
	}
	h := map[string]string{}
	if msg.Payload != nil {
		for _, hd := range msg.Payload.Headers {
			key := textproto.CanonicalMIMEHeaderKey(hd.Name)
			if _, seen := h[key]; !seen {
				h[key] = hd.Value
			}
		}
	}
	return gc.Message{
		ID:       id,
		ThreadID: gc.ThreadID(msg.ThreadId),
		Headers:  h,
	}, nil
}

func (g *googleClient) GetThread(ctx context.Context, id gc.ThreadID) (gc.Thread, error) {
	th, err := guard(g, func() (*gmail.Thread, error) {
		return g.svc.Users.Threads.Get(me, string(id)).Format("minimal").Context(ctx).Do()
	})
	if err != nil {
		return gc.Thread{}, err
	}
	out := gc.Thread{ID: id, Messages: make([]gc.MessageID, 0, len(th.Messages))}
	for _, m := range th.Messages {
		out.Messages = append(out.Messages, gc.MessageID(m.Id))
	}
	return out, nil
}

func (g *googleClient) Send(ctx context.Context, raw string) (gc.MessageID, error) {
	sent, err := guard(g, func() (*gmail.Message, error) {
		return g.svc.Users.Messages.Send(me, &gmail.Message{Raw: raw}).Context(ctx).Do()
	})
	if err != nil {
		return "", err
	}
	return gc.MessageID(sent.Id), nil
}

func (g *googleClient) Modify(ctx context.Context, id gc.MessageID, ops gc.ModifyOps) error {
	req := &gmail.ModifyMessageRequest{AddLabelIds: toStringsL(ops.AddLabels)}
	_, err := guard(g, func() (*gmail.Message, error) {
		return g.svc.Users.Messages.Modify(me, string(id), req).Context(ctx).Do()
	})
	return err
}

func (g *googleClient) labelID(ctx context.Context, name string) (gc.LabelID, bool, error) {
	lr, err := guard(g, func() (*gmail.ListLabelsResponse, error) {
		return g.svc.Users.Labels.List(me).Context(ctx).Do()
	})
	if err != nil {
		return "", false, err
	}
	for _, l := range lr.Labels {
		if l.Name == name {
			return gc.LabelID(l.Id), true, nil
		}
	}
	return "", false, nil
}

func (g *googleClient) EnsureLabel(ctx context.Context, spec gc.LabelSpec) (gc.LabelID, error) {
	id, ok, err := g.labelID(ctx, spec.Name)
	if err != nil {
		return "", fmt.Errorf("list labels: %w", err)
	}
	if ok {
		return id, nil
	}
	created, err := guard(g, func() (*gmail.Label, error) {
		return g.svc.Users.Labels.Create(me, &gmail.Label{
			Name:                  spec.Name,
			LabelListVisibility:   spec.LabelListVisibility,
			MessageListVisibility: spec.MessageListVisibility,
		}).Context(ctx).Do()
	})
	if IsConflict(err) {
		// someone else created it between our list and create
		id, ok, lerr := g.labelID(ctx, spec.Name)
		if lerr != nil {
			return "", fmt.Errorf("re-list labels after conflict: %w", lerr)
		}
		if ok {
			return id, nil
		}
	}
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", spec.Name, err)
	}
	return gc.LabelID(created.Id), nil
}

func toStringsL(in []gc.LabelID) []string {
	out := make([]string, 0, len(in))
	for _, l := range in {
		out = append(out, string(l))
	}
	return out
}

var _ gc.Client = (*googleClient)(nil)
