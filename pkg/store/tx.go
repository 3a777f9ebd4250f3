package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// Tx scopes issue updates to a single database transaction.
type Tx struct {
	tx bun.Tx
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back when fn returns an error or panics.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, btx bun.Tx) error {
		return fn(ctx, &Tx{tx: btx})
	})
}

// IssueExists reports whether the issue is tracked.
func (t *Tx) IssueExists(ctx context.Context, issueID int64) (bool, error) {
	var exists bool
	err := t.tx.NewRaw(
		`SELECT EXISTS (SELECT 1 FROM "Issue" WHERE "issueId" = ?)`,
		issueID,
	).Scan(ctx, &exists)
	if err != nil {
		return false, fmt.Errorf("check issue %d: %w", issueID, err)
	}
	return exists, nil
}

// Issue loads a tracked issue within the transaction.
func (t *Tx) Issue(ctx context.Context, issueID int64) (*Issue, error) {
	return selectIssue(ctx, t.tx, issueID)
}

// DeleteIssue removes a tracked issue within the transaction.
func (t *Tx) DeleteIssue(ctx context.Context, issueID int64) (*Issue, error) {
	return deleteIssue(ctx, t.tx, issueID)
}

// SetClaimedBy records the assignee of an issue. A nil login clears it.
func (t *Tx) SetClaimedBy(ctx context.Context, issueID int64, login *string) error {
	_, err := t.tx.NewUpdate().
		Model((*Issue)(nil)).
		Set(`"claimedBy" = ?`, login).
		Where(`"issueId" = ?`, issueID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update claimedBy for issue %d: %w", issueID, err)
	}
	return nil
}

// SetIssueStatus records whether an issue is open.
func (t *Tx) SetIssueStatus(ctx context.Context, issueID int64, open bool) error {
	_, err := t.tx.NewUpdate().
		Model((*Issue)(nil)).
		Set(`"issueStatus" = ?`, open).
		Where(`"issueId" = ?`, issueID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update issueStatus for issue %d: %w", issueID, err)
	}
	return nil
}
