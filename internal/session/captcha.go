package session

import (
	"sync"
	"time"
)

// captchaStaleness bounds how long a recorded captcha observation is
// considered current; callers treat a stale entry the same as "no state".
const captchaStaleness = 90 * time.Second

// CaptchaState is the last-observed captcha signal for one tab. The
// session manager only stores what a separate heuristics layer reports —
// it has no opinion on what counts as a captcha.
type CaptchaState struct {
	Present   bool   `json:"present"`
	Kind      string `json:"kind,omitempty"`
	Detail    string `json:"detail,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

type captchaStore struct {
	mu    sync.Mutex
	byTab map[string]CaptchaState
}

func newCaptchaStore() *captchaStore {
	return &captchaStore{byTab: make(map[string]CaptchaState)}
}

// Set records the current captcha observation for tabID.
func (c *captchaStore) Set(tabID string, state CaptchaState) {
	state.UpdatedAt = time.Now().UnixMilli()
	c.mu.Lock()
	c.byTab[tabID] = state
	c.mu.Unlock()
}

// Get returns the observation for tabID, and false if none was ever
// recorded or the recorded one is older than captchaStaleness.
func (c *captchaStore) Get(tabID string) (CaptchaState, bool) {
	c.mu.Lock()
	state, ok := c.byTab[tabID]
	c.mu.Unlock()
	if !ok {
		return CaptchaState{}, false
	}
	if time.Since(time.UnixMilli(state.UpdatedAt)) > captchaStaleness {
		return CaptchaState{}, false
	}
	return state, true
}

// Clear drops captcha state for every tab, used by recover_reset().
func (c *captchaStore) Clear() {
	c.mu.Lock()
	c.byTab = make(map[string]CaptchaState)
	c.mu.Unlock()
}
