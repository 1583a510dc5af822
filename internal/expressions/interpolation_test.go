package expressions

import (
	"testing"

	"github.com/rendis/cadence/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() *Scope {
	return &Scope{
		Subject: map[string]any{
			"name":   "Ana",
			"tenant": "acme",
			"score":  72.0,
			"attributes": map[string]any{
				"plan": "pro",
			},
		},
		Vars: map[string]any{"first_name": "Ana", "active": true},
		Run:  map[string]any{"id": "r-1", "step": 2},
	}
}

func TestRender_Basic(t *testing.T) {
	out, err := NewInterpolator().Render("Hi ${{ vars.first_name }}, welcome to ${{subject.tenant}}!", testScope())
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana, welcome to acme!", out)
}

func TestRender_NestedAndScalars(t *testing.T) {
	out, err := NewInterpolator().Render(
		"plan=${{subject.attributes.plan}} score=${{subject.score}} active=${{vars.active}} step=${{run.step}}",
		testScope())
	require.NoError(t, err)
	assert.Equal(t, "plan=pro score=72 active=true step=2", out)
}

func TestRender_NoTokens(t *testing.T) {
	out, err := NewInterpolator().Render("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestRender_Errors(t *testing.T) {
	interp := NewInterpolator()

	tests := []struct {
		name string
		body string
	}{
		{"unclosed", "Hi ${{ subject.name"},
		{"empty", "Hi ${{  }}"},
		{"nested", "Hi ${{ ${{subject.name}} }}"},
		{"unknown namespace", "Hi ${{ secrets.key }}"},
		{"no field", "Hi ${{ subject }}"},
		{"missing field", "Hi ${{ subject.phone }}"},
		{"non-object", "Hi ${{ subject.name.first }}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interp.Render(tt.body, testScope())
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation))
		})
	}
}

func TestRender_EmptyScope(t *testing.T) {
	_, err := NewInterpolator().Render("${{vars.x}}", &Scope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vars scope is empty")
}

func TestReferences(t *testing.T) {
	refs := References("${{subject.name}} and ${{ vars.plan }} and ${{subject.name}} ${{unclosed")
	assert.Equal(t, []string{"subject.name", "vars.plan"}, refs)
}
