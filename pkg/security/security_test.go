package security

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	ip1 := "192.168.1.1"
	if !cl.Add(ip1) {
		t.Error("first connection should be allowed")
	}
	if !cl.Add(ip1) {
		t.Error("second connection should be allowed")
	}
	if cl.Add(ip1) {
		t.Error("third connection should be denied (per-IP limit)")
	}

	ip2 := "192.168.1.2"
	ip3 := "192.168.1.3"
	cl.Add(ip2)
	cl.Add(ip2)
	cl.Add(ip3)

	ip4 := "192.168.1.4"
	if cl.Add(ip4) {
		t.Error("should hit total connection limit")
	}
	if got := cl.Total(); got != 5 {
		t.Errorf("Total() = %d, want 5", got)
	}

	cl.Remove(ip1)
	if !cl.Add(ip4) {
		t.Error("should allow connection after removal")
	}

	// Removing an unknown IP is a no-op.
	cl.Remove("10.9.9.9")
	if got := cl.Total(); got != 5 {
		t.Errorf("Total() after unknown remove = %d, want 5", got)
	}
}

func TestConnectionLimiterConcurrent(t *testing.T) {
	const maxPerIP = 10
	cl := NewConnectionLimiter(maxPerIP, 1000)
	defer cl.Stop()

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cl.Add("192.168.1.1") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != maxPerIP {
		t.Errorf("admitted %d connections, want %d", got, maxPerIP)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "direct connection",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "ignores X-Forwarded-For",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"},
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "ignores X-Real-IP",
			headers:    map[string]string{"X-Real-IP": "10.0.0.1"},
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "ipv6",
			headers:    map[string]string{},
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "no port in RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.1",
			want:       "192.168.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGitHubIPValidator(t *testing.T) {
	v, err := NewGitHubIPValidator(true)
	if err != nil {
		t.Fatalf("NewGitHubIPValidator: %v", err)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"140.82.115.10", true},
		{"192.30.252.1", true},
		{"2606:50c0::17", true},
		{"8.8.8.8", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := v.IsValid(tt.ip); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	disabled, err := NewGitHubIPValidator(false)
	if err != nil {
		t.Fatalf("NewGitHubIPValidator(false): %v", err)
	}
	if !disabled.IsValid("8.8.8.8") {
		t.Error("disabled validator should accept any address")
	}
	var nilValidator *GitHubIPValidator
	if !nilValidator.IsValid("8.8.8.8") {
		t.Error("nil validator should accept any address")
	}
}
