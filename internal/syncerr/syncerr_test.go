package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "config", err: Configf("SERVER_SYNC_BRANCH", "is required"), want: ExitConfig},
		{name: "mirror", err: NewMirrorError(MirrorFetch, errors.New("timeout")), want: ExitMirror},
		{name: "deploy", err: NewDeployError(DeployWrite, "/srv/a", errors.New("disk full")), want: ExitDeploy},
		{name: "wrapped mirror", err: fmt.Errorf("stage mirror: %w", NewMirrorError(MirrorClone, errors.New("auth"))), want: ExitMirror},
		{name: "other", err: errors.New("boom"), want: ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestKindHelpers(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewMirrorError(MirrorCheckoutMissingBranch, errors.New("no such branch")))
	assert.True(t, IsMirrorKind(err, MirrorCheckoutMissingBranch))
	assert.False(t, IsMirrorKind(err, MirrorClone))
	assert.False(t, IsDeployKind(err, DeployWrite))

	derr := NewDeployError(DeployOwnership, "/srv/a", errors.New("operation not permitted"))
	assert.True(t, IsDeployKind(derr, DeployOwnership))
	assert.Contains(t, derr.Error(), "ownership")
	assert.Contains(t, derr.Error(), "/srv/a")
}

func TestErrorMessagesNameTheKind(t *testing.T) {
	assert.Equal(t, "mirror missing branch: gone", NewMirrorError(MirrorCheckoutMissingBranch, errors.New("gone")).Error())
	assert.Equal(t, "config: UID: not a number", Configf("UID", "not a number").Error())
	assert.Equal(t, "locked", MirrorLocked.String())
	assert.Equal(t, "render", DeployRender.String())
}
