package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitwithintent/gwi/core"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Command
		wantErr string
	}{
		{
			name:  "approve with scopes",
			input: "/gwi approve run-42 --scopes commit,push",
			want:  &Command{Verb: VerbApprove, Target: "run-42", Scopes: []Scope{ScopeCommit, ScopePush}},
		},
		{
			name:  "approve defaults scopes",
			input: "/gwi approve run-42",
			want:  &Command{Verb: VerbApprove, Target: "run-42", Scopes: []Scope{ScopeCommit, ScopePush, ScopeOpenPR}},
		},
		{
			name:  "deny with reason",
			input: "/gwi deny run-42 --reason plan touches prod config",
			want:  &Command{Verb: VerbDeny, Target: "run-42", Reason: "plan touches prod config"},
		},
		{
			name:  "revoke",
			input: "/gwi revoke run-42",
			want:  &Command{Verb: VerbRevoke, Target: "run-42"},
		},
		{
			name:    "deny without reason",
			input:   "/gwi deny run-42",
			wantErr: "deny requires --reason",
		},
		{
			name:    "approve with explicitly empty scopes",
			input:   "/gwi approve run-42 --scopes ,",
			wantErr: "scope list is empty",
		},
		{
			name:    "approve with unknown scope",
			input:   "/gwi approve run-42 --scopes commit,launch_missiles",
			wantErr: "unknown scope",
		},
		{
			name:    "missing target",
			input:   "/gwi approve --scopes commit",
			wantErr: "requires a target",
		},
		{
			name:    "unknown verb",
			input:   "/gwi bless run-42",
			wantErr: "unknown verb",
		},
		{
			name:    "wrong prefix",
			input:   "/other approve run-42",
			wantErr: "must start with /gwi",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: "must start with /gwi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, core.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}
