// Package security provides the HTTP middleware shared by the webhook and
// feed endpoints: per-IP rate limiting, websocket connection limiting,
// panic recovery and GitHub source address validation.
package security
