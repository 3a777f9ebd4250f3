// Package bounty applies GitHub webhook events to the bounty tracking tables.
//
// Each (event, action) pair maps to exactly one handler. Handlers return a
// typed Outcome; a missing tracked row or a label other than the bounty label
// is a NoOp, never an error.
package bounty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/bountyhook/pkg/logger"
	"github.com/codeGROOVE-dev/bountyhook/pkg/store"
)

// DefaultLabel marks an issue as a bounty.
const DefaultLabel = "AMWOC"

// GitHub event types.
const (
	EventPing         = "ping"
	EventIssues       = "issues"
	EventIssueComment = "issue_comment"
	EventPullRequest  = "pull_request"
)

// Issue actions.
const (
	ActionLabeled    = "labeled"
	ActionUnlabeled  = "unlabeled"
	ActionAssigned   = "assigned"
	ActionUnassigned = "unassigned"
	ActionClosed     = "closed"
	ActionReopened   = "reopened"

	anyAction = "*"
)

// Outcome is the effect a handler had on the store.
type Outcome int

const (
	NoOp Outcome = iota
	Created
	Updated
	Deleted
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "noop"
	}
}

// Result is what Process reports for one envelope.
type Result struct {
	Change  *Change
	Outcome Outcome
}

// Publisher receives committed changes to tracked issues.
type Publisher interface {
	Publish(Change)
}

type route struct {
	event  string
	action string
}

type handlerFunc func(ctx context.Context, env *Envelope) (Result, error)

// Processor dispatches webhook envelopes to handlers.
type Processor struct {
	store     *store.Store
	publisher Publisher
	routes    map[route]handlerFunc
	now       func() time.Time
	label     string
}

// Option configures a Processor.
type Option func(*Processor)

// WithLabel overrides the bounty label. Matching is exact.
func WithLabel(label string) Option {
	return func(p *Processor) {
		if label != "" {
			p.label = label
		}
	}
}

// WithPublisher sends committed changes to pub.
func WithPublisher(pub Publisher) Option {
	return func(p *Processor) {
		p.publisher = pub
	}
}

// WithClock overrides the timestamp source for published changes.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// New creates a Processor backed by s.
func New(s *store.Store, opts ...Option) *Processor {
	p := &Processor{
		store: s,
		label: DefaultLabel,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.routes = map[route]handlerFunc{
		{EventPing, anyAction}:          p.registerProject,
		{EventIssues, ActionLabeled}:    p.trackIssue,
		{EventIssues, ActionUnlabeled}:  p.untrackIssue,
		{EventIssues, ActionAssigned}:   p.claimIssue,
		{EventIssues, ActionUnassigned}: p.unclaimIssue,
		{EventIssues, ActionClosed}:     p.closeIssue,
		{EventIssues, ActionReopened}:   p.reopenIssue,
		{EventIssueComment, anyAction}:  ignore,
		{EventPullRequest, anyAction}:   ignore,
	}
	return p
}

// Label returns the configured bounty label.
func (p *Processor) Label() string {
	return p.label
}

// Process applies one envelope. Unknown events and actions are a NoOp.
func (p *Processor) Process(ctx context.Context, env *Envelope) (Result, error) {
	handler := p.lookup(env.Event, env.Action())
	res, err := handler(ctx, env)
	if err != nil {
		return Result{}, err
	}
	logger.Debug(ctx, "event processed", logger.Fields{
		"event_type":  env.Event,
		"action":      env.Action(),
		"delivery_id": env.DeliveryID,
		"outcome":     res.Outcome.String(),
	})
	return res, nil
}

func (p *Processor) lookup(event, action string) handlerFunc {
	if h, ok := p.routes[route{event, action}]; ok {
		return h
	}
	if h, ok := p.routes[route{event, anyAction}]; ok {
		return h
	}
	return ignore
}

func ignore(context.Context, *Envelope) (Result, error) {
	return Result{Outcome: NoOp}, nil
}

func (p *Processor) registerProject(ctx context.Context, env *Envelope) (Result, error) {
	repo, err := env.Payload.repository()
	if err != nil {
		return Result{}, err
	}

	created, err := p.store.CreateProject(ctx, &store.Project{
		RepoID:  repo.ID,
		Webhook: env.Webhook,
		Title:   repo.Name,
	})
	if err != nil {
		return Result{}, fmt.Errorf("register project: %w", err)
	}
	if !created {
		return Result{Outcome: NoOp}, nil
	}
	return Result{Outcome: Created}, nil
}

func (p *Processor) trackIssue(ctx context.Context, env *Envelope) (Result, error) {
	if env.Payload.labelName() != p.label {
		return Result{Outcome: NoOp}, nil
	}
	issue, err := env.Payload.issue()
	if err != nil {
		return Result{}, err
	}
	repo, err := env.Payload.repository()
	if err != nil {
		return Result{}, err
	}

	row := &store.Issue{
		IssueID:     issue.ID,
		RepoID:      repo.ID,
		URL:         issue.URL,
		IssueStatus: true,
	}
	created, err := p.store.CreateIssue(ctx, row)
	if err != nil {
		return Result{}, fmt.Errorf("track issue: %w", err)
	}
	if !created {
		return Result{Outcome: NoOp}, nil
	}

	change := p.newChange(ChangeTracked, env, row)
	p.publish(change)
	return Result{Outcome: Created, Change: &change}, nil
}

func (p *Processor) untrackIssue(ctx context.Context, env *Envelope) (Result, error) {
	if env.Payload.labelName() != p.label {
		return Result{Outcome: NoOp}, nil
	}
	issue, err := env.Payload.issue()
	if err != nil {
		return Result{}, err
	}

	row, err := p.store.DeleteIssue(ctx, issue.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Outcome: NoOp}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("untrack issue: %w", err)
	}

	change := p.newChange(ChangeUntracked, env, row)
	change.PreviousClaimedBy = change.ClaimedBy
	change.ClaimedBy = ""
	p.publish(change)
	return Result{Outcome: Deleted, Change: &change}, nil
}

func (p *Processor) claimIssue(ctx context.Context, env *Envelope) (Result, error) {
	return p.updateTracked(ctx, env, ChangeClaimed, func(ctx context.Context, tx *store.Tx) error {
		login := env.Payload.assigneeLogin()
		if login == "" {
			return fmt.Errorf("%w: missing assignee.login", ErrInvalidPayload)
		}
		return tx.SetClaimedBy(ctx, env.Payload.Issue.ID, &login)
	})
}

func (p *Processor) unclaimIssue(ctx context.Context, env *Envelope) (Result, error) {
	return p.updateTracked(ctx, env, ChangeUnclaimed, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetClaimedBy(ctx, env.Payload.Issue.ID, nil)
	})
}

func (p *Processor) closeIssue(ctx context.Context, env *Envelope) (Result, error) {
	return p.updateTracked(ctx, env, ChangeClosed, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetIssueStatus(ctx, env.Payload.Issue.ID, false)
	})
}

func (p *Processor) reopenIssue(ctx context.Context, env *Envelope) (Result, error) {
	return p.updateTracked(ctx, env, ChangeReopened, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetIssueStatus(ctx, env.Payload.Issue.ID, true)
	})
}

// updateTracked checks that the issue is tracked and applies mutate in the
// same transaction. An issue that is untracked, or that disappears before the
// transaction reads it back, commits and yields NoOp. The change is published
// only after commit.
func (p *Processor) updateTracked(
	ctx context.Context,
	env *Envelope,
	changeType string,
	mutate func(ctx context.Context, tx *store.Tx) error,
) (Result, error) {
	issue, err := env.Payload.issue()
	if err != nil {
		return Result{}, err
	}

	var change *Change
	err = p.store.InTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		exists, err := tx.IssueExists(ctx, issue.ID)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		// A concurrent unlabeled can commit between the checks under read committed.
		before, err := tx.Issue(ctx, issue.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := mutate(ctx, tx); err != nil {
			return err
		}
		after, err := tx.Issue(ctx, issue.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		c := p.newChange(changeType, env, after)
		if prev := before.Claimant(); prev != after.Claimant() {
			c.PreviousClaimedBy = prev
		}
		change = &c
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s issue %d: %w", changeType, issue.ID, err)
	}
	if change == nil {
		return Result{Outcome: NoOp}, nil
	}

	p.publish(*change)
	return Result{Outcome: Updated, Change: change}, nil
}

func (p *Processor) publish(change Change) {
	if p.publisher != nil {
		p.publisher.Publish(change)
	}
}
