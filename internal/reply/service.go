package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	gc "github.com/joshsymonds/chronoreply/internal/gmail"
	"github.com/joshsymonds/chronoreply/internal/rate"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
	unreadQuery     = "is:unread"
)

// VacationLabel is applied to every message that received a reply.
var VacationLabel = gc.LabelSpec{
	Name:                  "onVacation",
	LabelListVisibility:   "labelShow",
	MessageListVisibility: "show",
}

// Options tunes a cycle.
type Options struct {
	PageSize      int
	DryRun        bool
	SkipAutomated bool
	SkipSelf      bool
	Label         gc.LabelSpec
}

// Service answers unread mail with a single vacation reply per sender.
type Service struct {
	Client  gc.Client
	Limiter rate.Limiter
	Logger  *slog.Logger
	Handled *HandledSenders
	// Account is the mailbox's own address, used by Options.SkipSelf.
	Account string
	Opts    Options
	NewID   func() string
}

// NewService constructs a Service with an empty HandledSenders set.
func NewService(client gc.Client, limiter rate.Limiter, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if limiter == nil {
		limiter = rate.Unlimited{}
	}
	if opts.PageSize <= 0 || opts.PageSize > maxPageSize {
		opts.PageSize = defaultPageSize
	}
	if opts.Label.Name == "" {
		opts.Label = VacationLabel
	}
	return &Service{
		Client:  client,
		Limiter: limiter,
		Logger:  logger,
		Handled: NewHandledSenders(),
		Opts:    opts,
		NewID:   uuid.NewString,
	}
}

// Result counts what one cycle did.
type Result struct {
	Seen    int
	Replied int
	Skipped int
	Failed  int
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeReplied
	outcomeFailed
)

// cycle carries state that lives for a single RunCycle call.
type cycle struct {
	log     *slog.Logger
	labelID gc.LabelID
}

// RunCycle lists unread mail and replies where appropriate. Errors on
// individual messages are logged and skipped; the returned error means
// the cycle was abandoned early.
func (s *Service) RunCycle(ctx context.Context) (Result, error) {
	cy := &cycle{log: s.Logger.With("cycle", s.NewID())}
	var res Result

	refs, err := s.listUnread(ctx)
	if err != nil {
		return res, fmt.Errorf("list unread: %w", err)
	}
	if len(refs) == 0 {
		cy.log.InfoContext(ctx, "no unread messages")
		return res, nil
	}

	for _, ref := range refs {
		res.Seen++
		out, err := s.handle(ctx, cy, ref)
		switch out {
		case outcomeReplied:
			res.Replied++
		case outcomeFailed:
			res.Failed++
		default:
			res.Skipped++
		}
		if err == nil {
			continue
		}
		if abortCycle(ctx, err) {
			cy.log.ErrorContext(ctx, "abandoning cycle", "message_id", ref.ID, "error", err)
			return res, err
		}
		cy.log.ErrorContext(ctx, "message failed", "message_id", ref.ID, "error", err)
	}

	cy.log.InfoContext(ctx, "cycle complete",
		"seen", res.Seen, "replied", res.Replied, "skipped", res.Skipped, "failed", res.Failed,
		"handled_senders", s.Handled.Len())
	return res, nil
}

func abortCycle(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, gc.ErrUnavailable)
}

func (s *Service) handle(ctx context.Context, cy *cycle, ref gc.MessageRef) (outcome, error) {
	log := cy.log.With("message_id", ref.ID)

	if err := s.wait(ctx, "rate limit metadata"); err != nil {
		return outcomeFailed, err
	}
	msg, err := s.Client.GetMetadata(ctx, ref.ID, fetchHeaders())
	if err != nil {
		return outcomeFailed, fmt.Errorf("get message %s: %w", ref.ID, err)
	}
	env, err := envelopeOf(msg)
	if err != nil {
		log.WarnContext(ctx, "skipping malformed message", "error", err)
		return outcomeSkipped, nil
	}
	log = log.With("from", env.From)
	log.InfoContext(ctx, "email received", "to", env.To, "subject", env.Subject)

	if s.Handled.Has(env.From) {
		log.InfoContext(ctx, "already replied")
		return outcomeSkipped, nil
	}
	if s.Opts.SkipSelf && s.Account != "" && strings.EqualFold(addressOf(env.From), s.Account) {
		log.InfoContext(ctx, "skipping own message")
		return outcomeSkipped, nil
	}
	if s.Opts.SkipAutomated {
		if reason := automatedReason(msg); reason != "" {
			log.InfoContext(ctx, "skipping automated message", "reason", reason)
			return outcomeSkipped, nil
		}
	}

	threadID := msg.ThreadID
	if threadID == "" {
		threadID = ref.ThreadID
	}
	if err := s.wait(ctx, "rate limit thread"); err != nil {
		return outcomeFailed, err
	}
	thread, err := s.Client.GetThread(ctx, threadID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	if n := len(thread.Replies()); n > 0 {
		log.InfoContext(ctx, "thread already has replies", "thread_id", threadID, "replies", n)
		return outcomeSkipped, nil
	}

	if s.Opts.DryRun {
		log.InfoContext(ctx, "dry-run: would reply")
		return outcomeSkipped, nil
	}

	reply := Compose(env.From, env.To, env.Subject)
	if err := s.wait(ctx, "rate limit send"); err != nil {
		return outcomeFailed, err
	}
	sentID, err := s.Client.Send(ctx, reply.Raw())
	if err != nil {
		return outcomeFailed, fmt.Errorf("send reply to %s: %w", env.From, err)
	}
	// Mark before labeling: a label failure must not lead to a second reply.
	s.Handled.Add(env.From)
	log.InfoContext(ctx, "sent reply", "sent_id", sentID)

	if err := s.applyLabel(ctx, cy, ref.ID); err != nil {
		return outcomeReplied, err
	}
	return outcomeReplied, nil
}

func (s *Service) applyLabel(ctx context.Context, cy *cycle, id gc.MessageID) error {
	if cy.labelID == "" {
		if err := s.wait(ctx, "rate limit labels"); err != nil {
			return err
		}
		lid, err := s.Client.EnsureLabel(ctx, s.Opts.Label)
		if err != nil {
			return fmt.Errorf("ensure label %q: %w", s.Opts.Label.Name, err)
		}
		cy.labelID = lid
	}
	if err := s.wait(ctx, "rate limit modify"); err != nil {
		return err
	}
	if err := s.Client.Modify(ctx, id, gc.ModifyOps{AddLabels: []gc.LabelID{cy.labelID}}); err != nil {
		return fmt.Errorf("label message %s: %w", id, err)
	}
	return nil
}

func (s *Service) listUnread(ctx context.Context) ([]gc.MessageRef, error) {
	q := gc.Query{Raw: unreadQuery}
	var (
		all   []gc.MessageRef
		token string
	)
	for {
		if err := s.wait(ctx, "rate limit messages"); err != nil {
			return nil, err
		}
		page, err := s.Client.List(ctx, q, token, s.Opts.PageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Messages...)
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	return all, nil
}

func (s *Service) wait(ctx context.Context, operation string) error {
	if err := s.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}
