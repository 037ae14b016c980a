package fetch

import (
	"os"
	"sync"
)

// Credentials is a short-lived object storage credential triple. Field names
// follow the session layer's JSON.
type Credentials struct {
	AccessKeyID     string `json:"AccessKeyId" yaml:"access_key_id"`
	SecretAccessKey string `json:"SecretAccessKey" yaml:"secret_access_key"`
	SessionToken    string `json:"SessionToken" yaml:"session_token"`
}

// Empty reports whether no key pair is set.
func (c Credentials) Empty() bool {
	return c.AccessKeyID == "" || c.SecretAccessKey == ""
}

// CredentialsFromEnv reads ACCESSKEYID, SECRETACCESSKEY and SESSIONTOKEN.
func CredentialsFromEnv() Credentials {
	return Credentials{
		AccessKeyID:     os.Getenv("ACCESSKEYID"),
		SecretAccessKey: os.Getenv("SECRETACCESSKEY"),
		SessionToken:    os.Getenv("SESSIONTOKEN"),
	}
}

// CredentialsHolder shares one credential triple with every fetcher of a
// process. Rotation is done from outside through Set; fetchers never renew.
type CredentialsHolder struct {
	mu      sync.RWMutex
	creds   Credentials
	version uint64
}

// NewCredentialsHolder returns a holder seeded with creds.
func NewCredentialsHolder(creds Credentials) *CredentialsHolder {
	return &CredentialsHolder{creds: creds, version: 1}
}

// Get returns the current credentials and their version.
func (h *CredentialsHolder) Get() (Credentials, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.creds, h.version
}

// Set replaces the credentials.
func (h *CredentialsHolder) Set(creds Credentials) {
	h.mu.Lock()
	h.creds = creds
	h.version++
	h.mu.Unlock()
}
