/*
Command server records GitHub activity on bounty issues and streams the
resulting changes to WebSocket subscribers.

A repository installs a webhook pointing at /{token}. The ping event sent when
the hook is created registers the repository as a project. Issues become
tracked bounties when the bounty label (AMWOC by default) is added, and stop
being tracked when it is removed. While tracked, assignment, unassignment,
closing and reopening are recorded against the issue.

Usage:

	server -database-url=postgres://user@db/bounties -migrate -webhook-secret=secret

The server exposes three endpoints:
  - /{webhook} - receives GitHub webhook deliveries (POST)
  - /test - liveness check
  - /ws - WebSocket feed of bounty changes

Feed clients send a JSON subscription first:

	{
	  "repo_ids": [7],
	  "claimed_by": "alice"
	}

and then receive matching changes:

	{
	  "timestamp": "2024-01-15T10:30:00Z",
	  "type": "claimed",
	  "url": "https://api.github.com/repos/owner/repo/issues/1",
	  "claimed_by": "alice",
	  "repo_id": 7,
	  "issue_id": 42,
	  "open": true
	}

Security features include:
  - HMAC-SHA256 webhook signature verification when a secret is set
  - optional GitHub source address validation
  - rate limiting per IP address
  - connection limits (per-IP and total)
  - TLS via Let's Encrypt
*/
package main
