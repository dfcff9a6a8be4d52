package gmail

import (
	"context"
	"errors"
)

// Client is the narrow Gmail surface required by chronoreply.
type Client interface {
	Profile(ctx context.Context) (Profile, error)
	List(ctx context.Context, q Query, pageToken string, pageSize int) (ListPage, error)
	GetMetadata(ctx context.Context, id MessageID, headers []string) (Message, error)
	GetThread(ctx context.Context, id ThreadID) (Thread, error)
	Send(ctx context.Context, raw string) (MessageID, error)
	Modify(ctx context.Context, id MessageID, ops ModifyOps) error
	EnsureLabel(ctx context.Context, spec LabelSpec) (LabelID, error)
}

// ErrUnavailable marks calls rejected locally because the API has been failing.
var ErrUnavailable = errors.New("gmail api unavailable")
