package hub

import (
	"errors"
	"slices"

	"github.com/codeGROOVE-dev/bountyhook/pkg/bounty"
)

const (
	maxRepoIDs     = 100
	maxLoginLength = 39 // GitHub login max length
)

var (
	// ErrInvalidRepoID indicates a non-positive or excessive repository filter.
	ErrInvalidRepoID = errors.New("invalid repository id")
	// ErrInvalidLogin indicates an invalid GitHub login.
	ErrInvalidLogin = errors.New("invalid login")
)

// Subscription selects which bounty changes a client receives.
// An empty RepoIDs list means every repository.
type Subscription struct {
	RepoIDs   []int64 `json:"repo_ids,omitempty"`
	ClaimedBy string  `json:"claimed_by,omitempty"`
}

// Validate checks subscription data received from a client.
func (s *Subscription) Validate() error {
	if len(s.RepoIDs) > maxRepoIDs {
		return ErrInvalidRepoID
	}
	for _, id := range s.RepoIDs {
		if id <= 0 {
			return ErrInvalidRepoID
		}
	}

	if s.ClaimedBy != "" {
		if len(s.ClaimedBy) > maxLoginLength {
			return ErrInvalidLogin
		}
		// GitHub logins contain only alphanumerics and hyphens
		for _, c := range s.ClaimedBy {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-') {
				return ErrInvalidLogin
			}
		}
	}
	return nil
}

// matches reports whether a change should be delivered to the subscriber.
// A login filter also matches the change that removed that login's claim.
func (s *Subscription) matches(change bounty.Change) bool {
	if len(s.RepoIDs) > 0 && !slices.Contains(s.RepoIDs, change.RepoID) {
		return false
	}
	if s.ClaimedBy != "" && change.ClaimedBy != s.ClaimedBy && change.PreviousClaimedBy != s.ClaimedBy {
		return false
	}
	return true
}
