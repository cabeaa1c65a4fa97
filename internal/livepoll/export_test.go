package livepoll

// TrackedSessions returns how many sessions hold state on this instance.
func (e *Engine) TrackedSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
