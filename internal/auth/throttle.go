package auth

import (
	"sync"
	"time"
)

var (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// loginThrottle はIPごとのログイン試行回数を制限します。
type loginThrottle struct {
	mu       sync.Mutex
	attempts map[string]*attemptState
}

func newLoginThrottle() *loginThrottle {
	return &loginThrottle{attempts: make(map[string]*attemptState)}
}

// lockedFor はロック中なら残り時間を返します。ロックされていなければ 0 です。
func (t *loginThrottle) lockedFor(ip string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.attempts[ip]
	if !ok {
		return 0
	}
	if time.Now().After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

// recordFailure は失敗を記録し、残りの試行可能回数を返します。
func (t *loginThrottle) recordFailure(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	state, ok := t.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		t.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (t *loginThrottle) reset(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, ip)
}
