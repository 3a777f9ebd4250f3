package store

import "github.com/uptrace/bun"

// Project is a repository that registered its webhook with a ping event.
// Rows are created once and never updated or deleted.
type Project struct {
	bun.BaseModel `bun:"table:Project,alias:p"`

	RepoID  int64  `bun:"repoId,pk"`
	Webhook string `bun:"webhook,notnull"`
	Title   string `bun:"title,notnull"`
}

// Issue is a tracked bounty issue. A row exists only while the issue carries
// the bounty label; IssueStatus is true while the issue is open.
type Issue struct {
	bun.BaseModel `bun:"table:Issue,alias:i"`

	IssueID     int64   `bun:"issueId,pk"`
	RepoID      int64   `bun:"repoId,notnull"`
	URL         string  `bun:"url,notnull"`
	ClaimedBy   *string `bun:"claimedBy"`
	IssueStatus bool    `bun:"issueStatus,notnull,default:true"`
}

// Claimant returns the assignee login, or "" when the issue is unclaimed.
func (i *Issue) Claimant() string {
	if i == nil || i.ClaimedBy == nil {
		return ""
	}
	return *i.ClaimedBy
}
