package models

import "time"

// AuthConfig configures the shared-secret login gate in front of the admin API.
// An empty Password leaves the gate open.
type AuthConfig struct {
	Password      string        `json:"-" yaml:"password"`
	SessionSecret string        `json:"-" yaml:"session_secret,omitempty"`
	SessionTTL    time.Duration `json:"session_ttl,omitzero" yaml:"session_ttl,omitempty"`
	CookieName    string        `json:"cookie_name,omitzero" yaml:"cookie_name,omitempty"`
}

// Enabled reports whether a login is required.
func (c AuthConfig) Enabled() bool {
	return c.Password != ""
}
