package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func writeAccountsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backupctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAccounts(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - key: dev
    name: Development
    account_id: "111111111111"
    region: eu-west-1
    role_arn: arn:aws:iam::111111111111:role/backup-operator
  - key: prod
    name: Production
    account_id: "222222222222"
    region: eu-west-1
    role_arn: arn:aws:iam::222222222222:role/backup-operator
    external_id: prod-external
    default_generation: father
`)
	cfg, err := loadAccounts(path)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)

	dev, err := cfg.Get("dev")
	require.NoError(t, err)
	require.Equal(t, "111111111111", dev.AccountID)
	require.Empty(t, dev.ExternalID)

	prod, err := cfg.Get("prod")
	require.NoError(t, err)
	require.Equal(t, "prod-external", prod.ExternalID)
	require.Equal(t, "father", prod.DefaultGeneration)

	_, err = cfg.Get("staging")
	require.True(t, trace.IsNotFound(err))
}

func TestLoadAccountsValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "empty file",
			content: "accounts: []\n",
		},
		{
			name: "missing account id",
			content: `
accounts:
  - key: dev
    region: eu-west-1
    role_arn: arn:aws:iam::111111111111:role/backup-operator
`,
		},
		{
			name: "missing region",
			content: `
accounts:
  - key: dev
    account_id: "111111111111"
    role_arn: arn:aws:iam::111111111111:role/backup-operator
`,
		},
		{
			name: "missing role",
			content: `
accounts:
  - key: dev
    account_id: "111111111111"
    region: eu-west-1
`,
		},
		{
			name: "bad default generation",
			content: `
accounts:
  - key: dev
    account_id: "111111111111"
    region: eu-west-1
    role_arn: arn:aws:iam::111111111111:role/backup-operator
    default_generation: cousin
`,
		},
		{
			name: "duplicate keys",
			content: `
accounts:
  - key: dev
    account_id: "111111111111"
    region: eu-west-1
    role_arn: arn:aws:iam::111111111111:role/backup-operator
  - key: dev
    account_id: "222222222222"
    region: eu-west-1
    role_arn: arn:aws:iam::222222222222:role/backup-operator
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeAccountsFile(t, tt.content)
			_, err := loadAccounts(path)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestLoadAccountsMalformedYAML(t *testing.T) {
	path := writeAccountsFile(t, "accounts: [not: closed\n")
	_, err := loadAccounts(path)
	require.True(t, trace.IsBadParameter(err))
}

func TestLoadAccountsMissingFile(t *testing.T) {
	_, err := loadAccounts(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
