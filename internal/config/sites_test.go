package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mrzor/probestat/internal/probe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trafficSites = `
sites:
  - name: eth0-tx
    kind: tc_egress
    interface: eth0
    program: count_egress
    role: traffic_tx
  - name: eth0-rx
    kind: tc_ingress
    interface: eth0
    program: count_ingress
    role: traffic_rx
  - name: sync
    kind: tracepoint
    group: syscalls
    event: sys_enter_sync
    program: on_sync
    role: interval
`

func TestLoadSites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(trafficSites), 0o600))

	specs, err := LoadSites(path)
	require.NoError(t, err)
	require.Len(t, specs, 3)

	sites, err := BuildSites(specs)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), sites[0].ID)
	assert.Equal(t, probe.TCEgress, sites[0].Kind)
	assert.Equal(t, probe.RoleTrafficRX, sites[1].Role)
	assert.Equal(t, "sys_enter_sync", sites[2].Event)
	assert.Equal(t, uint32(2), sites[2].ID)
}

func TestLoadSites_Missing(t *testing.T) {
	_, err := LoadSites(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseSites_Malformed(t *testing.T) {
	_, err := ParseSites([]byte("sites: [name: {"))
	assert.Error(t, err)
}

func TestBuildSites_Defaults(t *testing.T) {
	sites, err := BuildSites(DefaultSites())
	require.NoError(t, err)
	require.Len(t, sites, 3)
	assert.Equal(t, probe.RoleEnd, sites[2].Role)
}

func TestBuildSites_Errors(t *testing.T) {
	_, err := BuildSites(nil)
	assert.ErrorIs(t, err, ErrNoSites)

	tests := []struct {
		name   string
		specs  []SiteSpec
		errMsg string
	}{
		{
			name: "duplicate names",
			specs: []SiteSpec{
				{Name: "a", Kind: "kprobe", Symbol: "x", Role: "start"},
				{Name: "a", Kind: "kprobe", Symbol: "y", Role: "end"},
			},
			errMsg: "duplicate name",
		},
		{
			name:   "end without start",
			specs:  []SiteSpec{{Name: "done", Kind: "kprobe", Symbol: "x", Role: "end"}},
			errMsg: "at least one start site",
		},
		{
			name:   "unknown kind",
			specs:  []SiteSpec{{Name: "u", Kind: "uprobe", Symbol: "x", Role: "count"}},
			errMsg: "unsupported probe kind",
		},
		{
			name:   "unknown role",
			specs:  []SiteSpec{{Name: "r", Kind: "kprobe", Symbol: "x", Role: "sum"}},
			errMsg: "unknown role",
		},
		{
			name:   "tracepoint without event",
			specs:  []SiteSpec{{Name: "t", Kind: "tracepoint", Group: "sched", Role: "count"}},
			errMsg: "group and event",
		},
		{
			name:   "tc without interface",
			specs:  []SiteSpec{{Name: "tc", Kind: "tc_ingress", Role: "traffic_rx"}},
			errMsg: "needs an interface",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildSites(tt.specs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
