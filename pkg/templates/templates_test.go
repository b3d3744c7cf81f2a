package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wobcom/vicky/pkg/types"
)

func exampleTemplate() types.TaskTemplate {
	defaultEnv := "production"
	return types.TaskTemplate{
		Name:                "build-project",
		DisplayNameTemplate: "Build {{project}} in {{ env }}",
		FlakeRefTemplate: types.FlakeRef{
			Flake: "nixpkgs#{{project}}",
			Args:  []string{"--env={{env}}"},
		},
		Locks: []types.TaskTemplateLock{
			{NameTemplate: "build/{{project}}", Kind: types.LockWrite},
		},
		Features:      []string{"nix"},
		GroupTemplate: "{{env}}",
		Variables: []types.TaskTemplateVariable{
			{Name: "project"},
			{Name: "env", Default: &defaultEnv},
		},
	}
}

func TestInstantiateUsesValuesAndDefaults(t *testing.T) {
	tmpl := exampleTemplate()

	task, err := Instantiate(tmpl, map[string]string{"project": "vicky"}, false)
	require.NoError(t, err)

	assert.Equal(t, "Build vicky in production", task.DisplayName)
	assert.Equal(t, "nixpkgs#vicky", task.FlakeRef.Flake)
	assert.Equal(t, []string{"--env=production"}, task.FlakeRef.Args)
	assert.Equal(t, "production", task.Group)
	require.Len(t, task.Locks, 1)
	assert.Equal(t, "build/vicky", task.Locks[0].Name)
	assert.Equal(t, types.LockWrite, task.Locks[0].Kind)
	assert.Equal(t, types.TaskNew, task.Status)
}

func TestInstantiateRequiresMissingVariableWithoutDefault(t *testing.T) {
	tmpl := exampleTemplate()

	_, err := Instantiate(tmpl, map[string]string{"env": "staging"}, false)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrMissingVariable))
}

func TestInstantiateRejectsUnknownVariable(t *testing.T) {
	tmpl := exampleTemplate()

	_, err := Instantiate(tmpl, map[string]string{"project": "vicky", "bogus": "x"}, false)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrUnknownVariable))
}

func TestInstantiateNeedsConfirmationSetsWaitingStatus(t *testing.T) {
	tmpl := exampleTemplate()

	task, err := Instantiate(tmpl, map[string]string{"project": "vicky"}, true)
	require.NoError(t, err)
	assert.Equal(t, types.TaskNeedsUserValidation, task.Status)
}

func TestInstantiateDetectsConflictingLocks(t *testing.T) {
	tmpl := exampleTemplate()
	tmpl.Locks = append(tmpl.Locks, types.TaskTemplateLock{
		NameTemplate: "build/{{project}}",
		Kind:         types.LockRead,
	})

	_, err := Instantiate(tmpl, map[string]string{"project": "vicky"}, false)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrConflictingLocks))
}

func TestValidateRejectsUndeclaredVariable(t *testing.T) {
	tmpl := exampleTemplate()
	tmpl.DisplayNameTemplate = "Build {{unknown}}"

	err := Validate(tmpl)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrUndeclaredVariable))
}

func TestValidateRejectsDuplicateVariable(t *testing.T) {
	tmpl := exampleTemplate()
	tmpl.Variables = append(tmpl.Variables, types.TaskTemplateVariable{Name: "project"})

	err := Validate(tmpl)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrDuplicateVariable))
}

func TestParseTemplateTokensRejectsUnclosedMarker(t *testing.T) {
	_, err := parseTemplateTokens("Build {{project")
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrUnclosedVariableMarker))
}

func TestParseTemplateTokensRejectsEmptyMarker(t *testing.T) {
	_, err := parseTemplateTokens("Build {{ }}")
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrEmptyVariableMarker))
}
