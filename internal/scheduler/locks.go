package scheduler

import (
	"sort"
	"sync"
)

// ResourceLockManager tracks which task holds each declared resource key so
// two tasks touching the same key never run at the same time. The scheduler
// loop must not block, so acquisition is try-only and all-or-nothing.
type ResourceLockManager struct {
	mu      sync.Mutex
	holders map[string]string   // resource key -> task ID
	held    map[string][]string // task ID -> sorted keys it holds
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		holders: make(map[string]string),
		held:    make(map[string][]string),
	}
}

// TryAcquire takes every key for taskID, or none of them. Keys already held
// by taskID count as available.
func (r *ResourceLockManager) TryAcquire(taskID string, keys []string) bool {
	if len(keys) == 0 {
		return true
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range sorted {
		if owner, taken := r.holders[key]; taken && owner != taskID {
			return false
		}
	}
	for _, key := range sorted {
		r.holders[key] = taskID
	}
	r.held[taskID] = sorted
	return true
}

// Available reports whether taskID could acquire keys right now.
func (r *ResourceLockManager) Available(taskID string, keys []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		if owner, taken := r.holders[key]; taken && owner != taskID {
			return false
		}
	}
	return true
}

// ReleaseAll frees every key held by taskID. No-op if it holds none.
func (r *ResourceLockManager) ReleaseAll(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.held[taskID] {
		if r.holders[key] == taskID {
			delete(r.holders, key)
		}
	}
	delete(r.held, taskID)
}

// Holder returns the task holding key, if any.
func (r *ResourceLockManager) Holder(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.holders[key]
	return owner, ok
}
