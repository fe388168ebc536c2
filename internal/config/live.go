package config

import "sync/atomic"

// Live holds a Config that can be swapped at runtime without disrupting
// in-flight work. The Remediation Gate's safety invariant requires reading
// action_policy at decision time, not at event ingestion time, so operators
// can dial FULL down to NOTIFY_ONLY without draining in-flight events; Live
// is how every stage observes that change immediately.
type Live struct {
	ptr atomic.Pointer[Config]
}

// NewLive wraps an initial Config for atomic hot-path reads.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.ptr.Store(cfg)
	return l
}

// Get returns the current configuration. Safe for concurrent use.
func (l *Live) Get() *Config {
	return l.ptr.Load()
}

// Set atomically replaces the configuration. Safe for concurrent use.
func (l *Live) Set(cfg *Config) {
	l.ptr.Store(cfg)
}

// ActionPolicy returns the current action policy, re-read fresh on every
// call.
func (l *Live) ActionPolicy() ActionPolicy {
	return l.Get().Pipeline.ActionPolicy
}
