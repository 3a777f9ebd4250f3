package bounty

import (
	"time"

	"github.com/codeGROOVE-dev/bountyhook/pkg/store"
)

// Change types published for tracked issues.
const (
	ChangeTracked   = "tracked"
	ChangeUntracked = "untracked"
	ChangeClaimed   = "claimed"
	ChangeUnclaimed = "unclaimed"
	ChangeClosed    = "closed"
	ChangeReopened  = "reopened"
)

// Change describes a committed mutation of a tracked issue.
type Change struct {
	Timestamp         time.Time `json:"timestamp"`
	Type              string    `json:"type"`
	URL               string    `json:"url,omitempty"`
	ClaimedBy         string    `json:"claimed_by,omitempty"`
	PreviousClaimedBy string    `json:"previous_claimed_by,omitempty"`
	DeliveryID        string    `json:"delivery_id,omitempty"`
	RepoID            int64     `json:"repo_id"`
	IssueID           int64     `json:"issue_id"`
	Open              bool      `json:"open"`
}

func (p *Processor) newChange(changeType string, env *Envelope, row *store.Issue) Change {
	return Change{
		Timestamp:  p.now().UTC(),
		Type:       changeType,
		URL:        row.URL,
		ClaimedBy:  row.Claimant(),
		DeliveryID: env.DeliveryID,
		RepoID:     row.RepoID,
		IssueID:    row.IssueID,
		Open:       row.IssueStatus,
	}
}
