package main

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// Account is one managed AWS account in the operator configuration file.
type Account struct {
	// Key is the short handle commands refer to the account by.
	Key string `yaml:"key"`
	// Name is the human-readable account name.
	Name string `yaml:"name"`
	// AccountID is the twelve-digit account id.
	AccountID string `yaml:"account_id"`
	// Region is the region the account's buckets live in.
	Region string `yaml:"region"`
	// RoleARN is the operator role to assume in the account.
	RoleARN string `yaml:"role_arn"`
	// ExternalID is an optional external id for the role assumption.
	ExternalID string `yaml:"external_id,omitempty"`
	// DefaultGeneration is used when a command does not name one.
	DefaultGeneration string `yaml:"default_generation,omitempty"`
}

func (a *Account) check() error {
	if a.Key == "" {
		return trace.BadParameter("account entry is missing key")
	}
	if a.AccountID == "" {
		return trace.BadParameter("account %q is missing account_id", a.Key)
	}
	if a.Region == "" {
		return trace.BadParameter("account %q is missing region", a.Key)
	}
	if a.RoleARN == "" {
		return trace.BadParameter("account %q is missing role_arn", a.Key)
	}
	if _, err := tiers.ParseGeneration(a.DefaultGeneration); err != nil {
		return trace.Wrap(err, "account %q", a.Key)
	}
	return nil
}

// Accounts is the parsed operator configuration file.
type Accounts struct {
	Accounts []Account `yaml:"accounts"`
}

// Get returns the account with the given key.
func (c *Accounts) Get(key string) (*Account, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Key == key {
			return &c.Accounts[i], nil
		}
	}
	return nil, trace.NotFound("no account configured with key %q", key)
}

// loadAccounts reads and validates the YAML accounts file.
func loadAccounts(path string) (*Accounts, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var cfg Accounts
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, trace.BadParameter("parsing accounts file %v: %v", path, err)
	}
	if len(cfg.Accounts) == 0 {
		return nil, trace.BadParameter("accounts file %v defines no accounts", path)
	}
	seen := make(map[string]bool, len(cfg.Accounts))
	for i := range cfg.Accounts {
		if err := cfg.Accounts[i].check(); err != nil {
			return nil, trace.Wrap(err)
		}
		if seen[cfg.Accounts[i].Key] {
			return nil, trace.BadParameter("duplicate account key %q", cfg.Accounts[i].Key)
		}
		seen[cfg.Accounts[i].Key] = true
	}
	return &cfg, nil
}
