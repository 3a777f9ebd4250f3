package bounty

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload reports a webhook body that cannot be decoded or lacks a
// field the selected handler needs.
var ErrInvalidPayload = errors.New("invalid payload")

// Envelope is one decoded webhook delivery.
type Envelope struct {
	Event      string // X-GitHub-Event header
	Webhook    string // webhook token from the request path
	DeliveryID string // X-GitHub-Delivery header
	Payload    Payload
}

// Action returns the payload action, e.g. "labeled".
func (e *Envelope) Action() string {
	return e.Payload.Action
}

// Payload is the subset of a GitHub webhook body the processor reads.
type Payload struct {
	Repository *Repository `json:"repository"`
	Label      *Label      `json:"label"`
	Issue      *Issue      `json:"issue"`
	Assignee   *User       `json:"assignee"`
	Action     string      `json:"action"`
}

// Repository identifies the repository an event belongs to.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	ID       int64  `json:"id"`
}

// Label is the label added or removed by a labeled/unlabeled action.
type Label struct {
	Name string `json:"name"`
}

// Issue is the issue an issues event refers to.
type Issue struct {
	Assignee *User  `json:"assignee"`
	URL      string `json:"url"`
	HTMLURL  string `json:"html_url"`
	ID       int64  `json:"id"`
	Number   int    `json:"number"`
}

// User is a GitHub account.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// DecodePayload parses a webhook body.
func DecodePayload(body []byte) (Payload, error) {
	var p Payload
	if len(body) == 0 {
		return p, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return p, nil
}

func (p *Payload) repository() (*Repository, error) {
	if p.Repository == nil || p.Repository.ID == 0 {
		return nil, fmt.Errorf("%w: missing repository.id", ErrInvalidPayload)
	}
	return p.Repository, nil
}

func (p *Payload) issue() (*Issue, error) {
	if p.Issue == nil || p.Issue.ID == 0 {
		return nil, fmt.Errorf("%w: missing issue.id", ErrInvalidPayload)
	}
	return p.Issue, nil
}

// assigneeLogin prefers the top-level assignee sent with assigned events and
// falls back to the issue's current assignee.
func (p *Payload) assigneeLogin() string {
	if p.Assignee != nil && p.Assignee.Login != "" {
		return p.Assignee.Login
	}
	if p.Issue != nil && p.Issue.Assignee != nil {
		return p.Issue.Assignee.Login
	}
	return ""
}

// labelName returns the label name, or "" when the payload carries no label.
func (p *Payload) labelName() string {
	if p.Label == nil {
		return ""
	}
	return p.Label.Name
}
