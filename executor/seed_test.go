package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tessera/coord/memory"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/pulse/jobconf"
)

const seedYAML = `
jobs:
  - name: billing-reconcile
    cron: "0 0 2 * * ?"
    sharding_total_count: 3
    sharding_item_parameters:
      0: eu
      2: us
    handler: shell
    job_parameter: /usr/local/bin/reconcile
  - name: mail-digest
    type: passive
    failover: false
`

func TestParseDefinitionsKeepsDefaults(t *testing.T) {
	defs, err := ParseDefinitions([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	billing := defs[0]
	assert.Equal(t, "billing-reconcile", billing.Name)
	assert.Equal(t, jobconf.TypeCron, billing.Type)
	assert.Equal(t, 3, billing.ShardingTotalCount)
	assert.Equal(t, map[int]string{0: "eu", 2: "us"}, billing.ShardingItemParameters)
	assert.True(t, billing.Enabled)
	assert.True(t, billing.Failover)

	digest := defs[1]
	assert.Equal(t, jobconf.TypePassive, digest.Type)
	assert.False(t, digest.Failover)
	assert.Equal(t, 1, digest.ShardingTotalCount)
	assert.Equal(t, "noop", digest.Handler)
}

func TestParseDefinitionsRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "jobs: [unclosed"},
		{"duplicate", "jobs:\n  - {name: a, type: passive}\n  - {name: a, type: passive}\n"},
		{"cron without expression", "jobs:\n  - {name: a}\n"},
		{"bad shard count", "jobs:\n  - {name: a, type: passive, sharding_total_count: 0}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinitions([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}
}

func TestImportSkipsExistingUnlessOverwrite(t *testing.T) {
	ctx := context.Background()
	reg := memory.NewServer().Connect("ns")

	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	res, err := ImportFile(ctx, reg, path, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing-reconcile", "mail-digest"}, res.Imported)
	assert.Empty(t, res.Skipped)

	require.NoError(t, jobconf.SetField(ctx, reg, "mail-digest", jobconf.FieldDescription, "edited"))

	res, err = ImportFile(ctx, reg, path, false)
	require.NoError(t, err)
	assert.Empty(t, res.Imported)
	assert.Equal(t, []string{"billing-reconcile", "mail-digest"}, res.Skipped)
	def, err := jobconf.Load(ctx, reg, "mail-digest")
	require.NoError(t, err)
	assert.Equal(t, "edited", def.Description)

	res, err = ImportFile(ctx, reg, path, true)
	require.NoError(t, err)
	assert.Len(t, res.Imported, 2)
	def, err = jobconf.Load(ctx, reg, "mail-digest")
	require.NoError(t, err)
	assert.Empty(t, def.Description)
}

func TestImportFileMissing(t *testing.T) {
	_, err := ImportFile(context.Background(), memory.NewServer().Connect("ns"), filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.Error(t, err)
}
