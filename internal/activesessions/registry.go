// Package activesessions holds the transient, in-memory state the
// orchestrator needs alongside the durable statestore: the set of issues
// currently owned by an in-flight handler, a short-TTL dedup map, and the
// prompt/agent-profile caches. These replace the source's dynamic
// module-level singleton caches with explicit owned state on a struct, per
// Design Notes — callers construct one Registry per process and may reset
// it in tests.
package activesessions

import (
	"sync"
	"time"
)

// Registry owns all transient, non-persisted orchestrator state.
type Registry struct {
	mu sync.Mutex

	activeRuns       map[string]struct{}
	recentlyProcessed map[string]time.Time

	promptCache map[string]string
	agentProfiles map[string]AgentProfile
}

// AgentProfile is a static alias -> agent identity mapping loaded once
// from a config file.
type AgentProfile struct {
	Alias   string
	AgentID string
	Label   string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		activeRuns:        make(map[string]struct{}),
		recentlyProcessed: make(map[string]time.Time),
		promptCache:       make(map[string]string),
		agentProfiles:     make(map[string]AgentProfile),
	}
}

// TryAcquireActiveRun claims issueIdentifier for the calling handler. It
// returns false if the issue is already owned, implementing the
// "ActiveRuns guard" that must run before any async I/O.
func (r *Registry) TryAcquireActiveRun(issueIdentifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, owned := r.activeRuns[issueIdentifier]; owned {
		return false
	}
	r.activeRuns[issueIdentifier] = struct{}{}
	return true
}

// ReleaseActiveRun releases ownership of issueIdentifier. Safe to call
// even if it was never acquired.
func (r *Registry) ReleaseActiveRun(issueIdentifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeRuns, issueIdentifier)
}

// IsActiveRun reports whether issueIdentifier is currently owned.
func (r *Registry) IsActiveRun(issueIdentifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, owned := r.activeRuns[issueIdentifier]
	return owned
}

// MarkRecentlyProcessed records key with a TTL-based expiry, the
// process-local companion to the persisted processedEvents FIFO —
// RecentlyProcessed catches bursts within the sweep interval without a
// disk round trip.
func (r *Registry) MarkRecentlyProcessed(key string, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recentlyProcessed[key] = time.Now().Add(ttl)
}

// WasRecentlyProcessed reports whether key is still within its TTL window.
func (r *Registry) WasRecentlyProcessed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.recentlyProcessed[key]
	if !ok {
		return false
	}
	return time.Now().Before(expiry)
}

// SweepExpired drops expired RecentlyProcessed entries. It is called from
// the daemon's janitor sweep, once per janitor tick (one minute); config's
// dedupSweepIntervalMs does not schedule it.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, expiry := range r.recentlyProcessed {
		if now.After(expiry) {
			delete(r.recentlyProcessed, key)
			removed++
		}
	}
	return removed
}

// CachePrompt stores a merged prompt template for worktreeKey, computed
// once per worktree.
func (r *Registry) CachePrompt(worktreeKey, merged string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promptCache[worktreeKey] = merged
}

// GetCachedPrompt returns a previously cached merged prompt, if any.
func (r *Registry) GetCachedPrompt(worktreeKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.promptCache[worktreeKey]
	return p, ok
}

// SetAgentProfiles replaces the static alias -> identity map, typically
// loaded once at startup from agent-profiles.json.
func (r *Registry) SetAgentProfiles(profiles map[string]AgentProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentProfiles = profiles
}

// ResolveAgentAlias looks up an @alias against the loaded agent profiles.
func (r *Registry) ResolveAgentAlias(alias string) (AgentProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.agentProfiles[alias]
	return p, ok
}

// Reset clears all transient state, a test hook per Design Notes
// ("Provide test hooks to reset them").
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeRuns = make(map[string]struct{})
	r.recentlyProcessed = make(map[string]time.Time)
	r.promptCache = make(map[string]string)
	r.agentProfiles = make(map[string]AgentProfile)
}
