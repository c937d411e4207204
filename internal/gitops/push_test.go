package gitops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePushTarget(t *testing.T) {
	tests := []struct {
		name      string
		envRemote string
		envBranch string
		upstream  string
		want      PushTarget
		wantErr   string
	}{
		{
			name:      "explicit config wins over upstream",
			envRemote: "fork",
			envBranch: "main",
			upstream:  "origin/develop",
			want:      PushTarget{Remote: "fork", Branch: "main"},
		},
		{
			name:     "upstream fills both pieces",
			upstream: "origin/main",
			want:     PushTarget{Remote: "origin", Branch: "main"},
		},
		{
			name:     "upstream branch may contain slashes",
			upstream: "origin/feature/auto",
			want:     PushTarget{Remote: "origin", Branch: "feature/auto"},
		},
		{
			name:      "config and upstream mix",
			envRemote: "fork",
			upstream:  "origin/main",
			want:      PushTarget{Remote: "fork", Branch: "main"},
		},
		{
			name:    "nothing available",
			wantErr: "missing push remote and branch",
		},
		{
			name:      "branch missing",
			envRemote: "origin",
			upstream:  "nonsense",
			wantErr:   "missing push branch",
		},
		{
			name:      "remote missing",
			envBranch: "main",
			wantErr:   "missing push remote",
		},
		{
			name:     "trailing slash upstream yields nothing",
			upstream: "origin/",
			wantErr:  "missing push remote and branch",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolvePushTarget(tc.envRemote, tc.envBranch, tc.upstream)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.EqualError(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSplitUpstream(t *testing.T) {
	remote, branch := splitUpstream("origin/feature/auto")
	assert.Equal(t, "origin", remote)
	assert.Equal(t, "feature/auto", branch)

	remote, branch = splitUpstream("noslash")
	assert.Empty(t, remote)
	assert.Empty(t, branch)

	remote, branch = splitUpstream("/leading")
	assert.Empty(t, remote)
	assert.Empty(t, branch)
}
