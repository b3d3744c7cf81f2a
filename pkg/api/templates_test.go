package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wobcom/vicky/pkg/types"
)

func TestHandler_TemplateAddAndInstantiate_MachineRoleAllowed(t *testing.T) {
	_, h := newTestServer(t)

	addResp := doJSON(t, h, http.MethodPost, "/api/v1/task-templates", map[string]any{
		"name":                  "deploy",
		"display_name_template": "deploy {{env}}",
		"flake_ref":             map[string]any{"flake": "github:example/repo", "args": []string{}},
		"locks":                 []map[string]any{{"name": "{{env}}", "type": "WRITE"}},
		"features":              []string{},
		"variables":             []map[string]any{{"name": "env"}},
	})
	require.Equal(t, http.StatusOK, addResp.Code, "any authenticated role, not just admin, can add a template")

	var tmpl types.TaskTemplate
	require.NoError(t, json.Unmarshal(addResp.Body.Bytes(), &tmpl))

	instResp := doJSON(t, h, http.MethodPost, "/api/v1/task-templates/"+tmpl.ID.String()+"/instantiate", map[string]any{
		"variables": map[string]string{"env": "staging"},
	})
	require.Equal(t, http.StatusOK, instResp.Code)

	var task types.Task
	require.NoError(t, json.Unmarshal(instResp.Body.Bytes(), &task))
	require.Equal(t, "deploy staging", task.DisplayName)
	require.Equal(t, "staging", task.Locks[0].Name)
}

func TestHandler_TemplateAddRejectsDuplicateName(t *testing.T) {
	_, h := newTestServer(t)

	body := map[string]any{
		"name":                  "dup",
		"display_name_template": "x",
		"flake_ref":             map[string]any{"flake": "f", "args": []string{}},
		"locks":                 []map[string]any{},
		"features":              []string{},
		"variables":             []map[string]any{},
	}
	first := doJSON(t, h, http.MethodPost, "/api/v1/task-templates", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, h, http.MethodPost, "/api/v1/task-templates", body)
	require.Equal(t, http.StatusConflict, second.Code)
}
