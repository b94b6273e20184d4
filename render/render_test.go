package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/types"
)

func TestRender(t *testing.T) {
	r := New()
	ec := execution.ExecutionContext{
		User:      types.User{ID: "u1", Email: "a@example.com", Firstname: "Ada"},
		TeamNames: []string{"Red", "Blue"},
		InjectID:  "inj-1",
	}

	got, err := r.Render("Hello {{.user.firstname}} ({{index .teams 0}}) for {{.inject_id}}", ec)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada (Red) for inj-1", got)

	got, err = r.Render("no placeholders", ec)
	require.NoError(t, err)
	assert.Equal(t, "no placeholders", got)

	_, err = r.Render("{{.user.firstname", ec)
	assert.Error(t, err)

	_, err = r.Render("{{.nope}}", ec)
	assert.Error(t, err)
}
