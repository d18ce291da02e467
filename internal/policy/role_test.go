package policy

import (
	"context"
	"sync"
	"testing"

	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/enterprise/aegis-trust/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoleEngine(t *testing.T, opts ...RoleOption) *RoleEngine {
	t.Helper()
	engine, err := NewRoleEngine(context.Background(), logger.Discard(), opts...)
	require.NoError(t, err)
	return engine
}

func TestRoleEngine_Derive(t *testing.T) {
	tests := []struct {
		name  string
		input RoleInput
		want  types.OperatorRole
	}{
		{"all trusted on TEE", RoleInput{true, true, true, types.TierTEEBacked}, types.RoleAdmin},
		{"all trusted on device auth", RoleInput{true, true, true, types.TierDeviceAuth}, types.RoleAdmin},
		{"all trusted on native OS", RoleInput{true, true, true, types.TierNativeOS}, types.RoleAnalyst},
		{"all trusted on heuristic", RoleInput{true, true, true, types.TierHeuristic}, types.RoleAnalyst},
		{"untrusted device", RoleInput{true, false, true, types.TierDeviceAuth}, types.RoleAnalyst},
		{"untrusted app", RoleInput{true, true, false, types.TierDeviceAuth}, types.RoleUser},
		{"no biometric", RoleInput{false, true, true, types.TierDeviceAuth}, types.RoleUser},
		{"nothing", RoleInput{}, types.RoleUser},
		{"unknown tier", RoleInput{true, true, true, types.TrustTier("T9")}, types.RoleAnalyst},
	}

	engine := newRoleEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, err := engine.Derive(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, role)
		})
	}
}

func TestRoleEngine_FailuresFallBackToUser(t *testing.T) {
	tests := []struct {
		name   string
		module string
	}{
		{
			name: "conflicting rules",
			module: `package aegis.role
import future.keywords.if
role = "ADMIN" if input.biometric
role = "ANALYST" if input.app_trusted`,
		},
		{
			name: "non-string result",
			module: `package aegis.role
role = 42`,
		},
		{
			name: "unknown role",
			module: `package aegis.role
role = "ROOT"`,
		},
		{
			name: "undefined",
			module: `package aegis.role
other = true`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newRoleEngine(t, WithRoleModule("override.rego", tt.module))

			role, err := engine.Derive(context.Background(), RoleInput{true, true, true, types.TierDeviceAuth})
			assert.Error(t, err)
			assert.Equal(t, types.RoleUser, role)
		})
	}
}

func TestNewRoleEngine_InvalidModule(t *testing.T) {
	_, err := NewRoleEngine(context.Background(), logger.Discard(), WithRoleModule("bad.rego", "package aegis.role\nrole = "))
	assert.Error(t, err)
}

func TestRoleEngine_Concurrent(t *testing.T) {
	engine := newRoleEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			role, err := engine.Derive(context.Background(), RoleInput{true, true, true, types.TierTEEBacked})
			assert.NoError(t, err)
			assert.Equal(t, types.RoleAdmin, role)
		}()
	}
	wg.Wait()
}
