package security

import (
	"context"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/bountyhook/pkg/logger"
)

const (
	staleTimeout = 10 * time.Minute // Time after which inactive entries are considered stale
	maxIPEntries = 10000            // Maximum number of IP entries to prevent memory exhaustion
)

// connectionInfo tracks connection count and last activity time.
type connectionInfo struct {
	lastActive time.Time
	count      int
}

// ConnectionLimiter caps concurrent feed connections per IP and in total.
type ConnectionLimiter struct {
	perIP    map[string]*connectionInfo
	stop     chan struct{}
	stopOnce sync.Once
	total    int
	maxPerIP int
	maxTotal int
	mu       sync.Mutex
}

// NewConnectionLimiter creates a limiter and starts its cleanup goroutine.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:    make(map[string]*connectionInfo),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
		stop:     make(chan struct{}),
	}

	// Start cleanup goroutine to remove stale entries
	go cl.cleanupLoop()

	return cl
}

// Add reserves a connection slot for ip. It returns false when a limit is hit.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.total >= cl.maxTotal {
		return false
	}

	info := cl.perIP[ip]
	if info == nil {
		// Prevent memory exhaustion by limiting total IP entries
		if len(cl.perIP) >= maxIPEntries {
			// Find and remove the oldest inactive entry to make room
			cl.evictOldestInactive()
			// If still at limit after eviction, deny the connection
			if len(cl.perIP) >= maxIPEntries {
				return false
			}
		}
		info = &connectionInfo{}
		cl.perIP[ip] = info
	}
	if info.count >= cl.maxPerIP {
		return false
	}

	info.count++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// Remove releases a slot previously reserved with Add.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.perIP[ip]
	if info == nil || info.count == 0 {
		return
	}
	info.count--
	info.lastActive = time.Now()
	cl.total--

	// Remove entry if no more connections
	if info.count == 0 {
		delete(cl.perIP, ip)
	}
}

// Total returns the number of open connections.
func (cl *ConnectionLimiter) Total() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// cleanupLoop periodically removes stale entries.
func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stop:
			return
		}
	}
}

// cleanup removes entries that have been idle for longer than staleTimeout.
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	now := time.Now()
	cleaned := 0
	for ip, info := range cl.perIP {
		if info.count == 0 && now.Sub(info.lastActive) > staleTimeout {
			delete(cl.perIP, ip)
			cleaned++
		}
	}
	cl.mu.Unlock()

	if cleaned > 0 {
		logger.Debug(context.Background(), "connection limiter cleanup", logger.Fields{"removed": cleaned})
	}
}

// evictOldestInactive must be called with cl.mu held.
func (cl *ConnectionLimiter) evictOldestInactive() {
	var oldestIP string
	var oldest time.Time

	// Find the oldest inactive entry
	for ip, info := range cl.perIP {
		if info.count == 0 && (oldestIP == "" || info.lastActive.Before(oldest)) {
			oldestIP = ip
			oldest = info.lastActive
		}
	}
	if oldestIP != "" {
		delete(cl.perIP, oldestIP)
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}
