package security

import (
	"sync"
	"time"
)

const maxBuckets = 10000 // Limit to 10k unique IPs to prevent memory exhaustion

// RateLimiter is a per-IP fixed-window limiter: each IP may make maxTokens
// requests per window.
type RateLimiter struct {
	buckets    map[string]*bucket
	stopCh     chan struct{}
	stopOnce   sync.Once
	cleanupWG  sync.WaitGroup
	window     time.Duration
	maxTokens  int
	maxBuckets int
	mu         sync.Mutex
}

type bucket struct {
	resetTime time.Time
	count     int
}

// NewRateLimiter creates a limiter. A non-positive window defaults to one minute.
func NewRateLimiter(maxTokens int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		window:     window,
		maxTokens:  maxTokens,
		maxBuckets: maxBuckets,
		stopCh:     make(chan struct{}),
	}

	// Start cleanup goroutine
	rl.cleanupWG.Add(1)
	go rl.cleanupRoutine()

	return rl
}

// Allow reports whether a request from ip fits in the current window.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[ip]

	// Create new bucket or reset if expired
	if !exists || now.After(b.resetTime) {
		// Check if we've reached the max buckets limit
		if !exists && len(rl.buckets) >= rl.maxBuckets {
			// Find and remove the oldest bucket to make room
			rl.evictOldest()
		}

		rl.buckets[ip] = &bucket{count: 1, resetTime: now.Add(rl.window)}
		return rl.maxTokens > 0
	}

	// Check limit
	if b.count >= rl.maxTokens {
		return false
	}
	b.count++
	return true
}

// cleanupRoutine periodically removes expired buckets.
func (rl *RateLimiter) cleanupRoutine() {
	defer rl.cleanupWG.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, b := range rl.buckets {
		if now.After(b.resetTime) {
			delete(rl.buckets, ip)
		}
	}
}

// evictOldest is called with rl.mu held.
func (rl *RateLimiter) evictOldest() {
	var oldestIP string
	var oldest time.Time

	// Find the oldest bucket
	for ip, b := range rl.buckets {
		if oldestIP == "" || b.resetTime.Before(oldest) {
			oldestIP = ip
			oldest = b.resetTime
		}
	}
	if oldestIP != "" {
		delete(rl.buckets, oldestIP)
	}
}

// Stop ends the cleanup goroutine and waits for it.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.cleanupWG.Wait()
}
