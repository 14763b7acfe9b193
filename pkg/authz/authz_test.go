package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/ankaios-agent/pkg/types"
)

func rule(op types.RuleOperation, mask string) types.StateRule {
	return types.StateRule{Operation: op, FilterMask: mask}
}

func TestAuthorizeStateWholeStateRequiresSingleStarAllow(t *testing.T) {
	a := New()
	access := &types.ControlInterfaceAccess{
		AllowStateRules: []types.StateRule{rule(types.OperationRead, "*")},
	}
	assert.True(t, a.AuthorizeState(access, types.OperationRead, nil))

	accessScoped := &types.ControlInterfaceAccess{
		AllowStateRules: []types.StateRule{rule(types.OperationRead, "desiredState.workloads")},
	}
	assert.False(t, a.AuthorizeState(accessScoped, types.OperationRead, nil))
}

func TestAuthorizeStateDeeperPathAllowedByShallowerAllow(t *testing.T) {
	a := New()
	access := &types.ControlInterfaceAccess{
		AllowStateRules: []types.StateRule{rule(types.OperationRead, "desiredState.workloads")},
	}
	assert.True(t, a.AuthorizeState(access, types.OperationRead, []string{"desiredState.workloads.nginx.tags"}))
	assert.False(t, a.AuthorizeState(access, types.OperationRead, []string{"desiredState.configs"}))
}

func TestAuthorizeStateDenyRevokesAncestorAndExact(t *testing.T) {
	a := New()
	access := &types.ControlInterfaceAccess{
		AllowStateRules: []types.StateRule{rule(types.OperationWrite, "*")},
		DenyStateRules:  []types.StateRule{rule(types.OperationWrite, "desiredState.workloads.secret_wl")},
	}
	assert.False(t, a.AuthorizeState(access, types.OperationWrite, []string{"desiredState.workloads.secret_wl.runtime"}))
	assert.True(t, a.AuthorizeState(access, types.OperationWrite, []string{"desiredState.workloads.other_wl"}))
}

func TestAuthorizeStateWildcardSegmentMatchesAnySingleSegment(t *testing.T) {
	a := New()
	access := &types.ControlInterfaceAccess{
		AllowStateRules: []types.StateRule{rule(types.OperationRead, "desiredState.workloads.*.tags")},
	}
	assert.True(t, a.AuthorizeState(access, types.OperationRead, []string{"desiredState.workloads.nginx.tags"}))
	assert.False(t, a.AuthorizeState(access, types.OperationRead, []string{"desiredState.workloads.nginx.runtime"}))
}

func TestAuthorizeStateNoRulesDeniesEverything(t *testing.T) {
	a := New()
	assert.False(t, a.AuthorizeState(nil, types.OperationRead, []string{"desiredState"}))
	assert.False(t, a.AuthorizeState(&types.ControlInterfaceAccess{}, types.OperationRead, []string{"desiredState"}))
}

func TestAuthorizeLogsPrefixAndSuffixWildcards(t *testing.T) {
	a := New()
	access := &types.ControlInterfaceAccess{
		AllowLogRules: []types.LogRule{{Pattern: "ivi_*"}, {Pattern: "*_updater"}},
	}
	assert.True(t, a.AuthorizeLogs(access, []string{"ivi_dashboard"}))
	assert.True(t, a.AuthorizeLogs(access, []string{"system_updater"}))
	assert.False(t, a.AuthorizeLogs(access, []string{"other_service"}))
}

func TestAuthorizeLogsDenyOverridesAllow(t *testing.T) {
	a := New()
	access := &types.ControlInterfaceAccess{
		AllowLogRules: []types.LogRule{{Pattern: "*"}},
		DenyLogRules:  []types.LogRule{{Pattern: "secret_*"}},
	}
	assert.True(t, a.AuthorizeLogs(access, []string{"nginx"}))
	assert.False(t, a.AuthorizeLogs(access, []string{"secret_vault"}))
}

func TestAuthorizeLogsRequiresAllNamesAllowed(t *testing.T) {
	a := New()
	access := &types.ControlInterfaceAccess{
		AllowLogRules: []types.LogRule{{Pattern: "ivi_*"}},
	}
	assert.False(t, a.AuthorizeLogs(access, []string{"ivi_dashboard", "other_service"}))
}
