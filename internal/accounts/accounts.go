// Package accounts resolves which Meta page or WhatsApp number a message
// arrived on, and the credentials used to answer from it.
package accounts

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/flowoff/flowcloser/internal/models"
	"gopkg.in/yaml.v3"
)

// Account is one page, Instagram business account or WhatsApp number.
type Account struct {
	AccountName     string          `yaml:"account_name"`
	Platform        models.Platform `yaml:"platform"`
	PageID          string          `yaml:"page_id"`
	PageAccessToken string          `yaml:"page_access_token"`
	Default         bool            `yaml:"default"`
}

// File is the root of the accounts YAML file.
type File struct {
	Accounts []Account `yaml:"accounts"`
}

// Registry looks up accounts by page id or platform.
type Registry struct {
	accounts []Account
	byPage   map[string]Account
}

// NewRegistry builds a registry from accounts in priority order.
func NewRegistry(accounts ...Account) *Registry {
	r := &Registry{byPage: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		if a.Platform == "" {
			a.Platform = models.PlatformInstagram
		}
		r.accounts = append(r.accounts, a)
		if a.PageID != "" {
			if _, dup := r.byPage[a.PageID]; dup {
				slog.Warn("Registry: duplicate page id, keeping first", "page_id", a.PageID, "account", a.AccountName)
				continue
			}
			r.byPage[a.PageID] = a
		}
	}
	return r
}

// Load reads accounts from a YAML file; an empty path yields only the
// environment account (INSTAGRAM_PAGE_ID / INSTAGRAM_ACCESS_TOKEN).
func Load(path string) (*Registry, error) {
	var accounts []Account
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read accounts file: %w", err)
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse accounts file: %w", err)
		}
		accounts = f.Accounts
		slog.Debug("accounts.Load: accounts file loaded", "path", path, "count", len(accounts))
	}
	if env, ok := fromEnv(); ok {
		accounts = append(accounts, env)
	}
	return NewRegistry(accounts...), nil
}

// fromEnv returns the single-account configuration used before account files existed.
func fromEnv() (Account, bool) {
	token := os.Getenv("INSTAGRAM_ACCESS_TOKEN")
	pageID := os.Getenv("INSTAGRAM_PAGE_ID")
	if token == "" && pageID == "" {
		return Account{}, false
	}
	name := os.Getenv("INSTAGRAM_ACCOUNT_NAME")
	if name == "" {
		name = "default"
	}
	return Account{
		AccountName:     name,
		Platform:        models.PlatformInstagram,
		PageID:          pageID,
		PageAccessToken: token,
	}, true
}

// ByPageID returns the account registered for pageID.
func (r *Registry) ByPageID(pageID string) (Account, bool) {
	if r == nil || pageID == "" {
		return Account{}, false
	}
	a, ok := r.byPage[pageID]
	return a, ok
}

// Default returns the account marked default for platform, else the first
// account of that platform.
func (r *Registry) Default(platform models.Platform) (Account, bool) {
	if r == nil {
		return Account{}, false
	}
	var first *Account
	for i := range r.accounts {
		a := &r.accounts[i]
		if a.Platform != platform {
			continue
		}
		if a.Default {
			return *a, true
		}
		if first == nil {
			first = a
		}
	}
	if first != nil {
		return *first, true
	}
	return Account{}, false
}

// Resolve finds the account for a message received on pageID over platform.
func (r *Registry) Resolve(pageID string, platform models.Platform) (Account, bool) {
	if a, ok := r.ByPageID(pageID); ok {
		return a, true
	}
	return r.Default(platform)
}

// All returns the registered accounts.
func (r *Registry) All() []Account {
	if r == nil {
		return nil
	}
	out := make([]Account, len(r.accounts))
	copy(out, r.accounts)
	return out
}
