package comms

import (
	"sync"
	"time"
)

// RateLimitConfig holds command and task-start rate limits.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	CommandsPerMinute int  `yaml:"commands_per_minute"` // per requester per room (default: 20)
	TasksPerHour      int  `yaml:"tasks_per_hour"`      // task starts per room (default: 30)
	BurstSize         int  `yaml:"burst_size"`          // default: 5
}

// DefaultRateLimitConfig returns default rate limits.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled:           true,
		CommandsPerMinute: 20,
		TasksPerHour:      30,
		BurstSize:         5,
	}
}

// RateLimiter is a token bucket per key.
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*tokenBucket
	mu      sync.Mutex
}

type tokenBucket struct {
	commandTokens   float64
	taskTokens      float64
	lastRefill      time.Time
	commandRate     float64 // tokens per second
	taskRate        float64 // tokens per second
	maxCommandBurst int
	maxTaskBurst    int
}

// NewRateLimiter creates a rate limiter. A nil config uses defaults.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
	}
}

// AllowCommand takes a command token for key.
func (r *RateLimiter) AllowCommand(key string) bool {
	if !r.config.Enabled {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucket(key)
	b.refill()
	if b.commandTokens >= 1 {
		b.commandTokens--
		return true
	}
	return false
}

// AllowTask takes a task-start token for key.
func (r *RateLimiter) AllowTask(key string) bool {
	if !r.config.Enabled {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucket(key)
	b.refill()
	if b.taskTokens >= 1 {
		b.taskTokens--
		return true
	}
	return false
}

// Cleanup drops buckets idle for longer than maxAge.
func (r *RateLimiter) Cleanup(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, b := range r.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

func (r *RateLimiter) bucket(key string) *tokenBucket {
	b, ok := r.buckets[key]
	if ok {
		return b
	}

	maxCommandBurst := r.config.CommandsPerMinute
	if r.config.BurstSize > 0 && r.config.BurstSize < maxCommandBurst {
		maxCommandBurst = r.config.BurstSize
	}
	maxTaskBurst := r.config.TasksPerHour
	if r.config.BurstSize > 0 && r.config.BurstSize < maxTaskBurst {
		maxTaskBurst = r.config.BurstSize
	}

	b = &tokenBucket{
		commandTokens:   float64(maxCommandBurst),
		taskTokens:      float64(maxTaskBurst),
		lastRefill:      time.Now(),
		commandRate:     float64(r.config.CommandsPerMinute) / 60.0,
		taskRate:        float64(r.config.TasksPerHour) / 3600.0,
		maxCommandBurst: maxCommandBurst,
		maxTaskBurst:    maxTaskBurst,
	}
	r.buckets[key] = b
	return b
}

func (b *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.commandTokens = min(b.commandTokens+elapsed*b.commandRate, float64(b.maxCommandBurst))
	b.taskTokens = min(b.taskTokens+elapsed*b.taskRate, float64(b.maxTaskBurst))
}
