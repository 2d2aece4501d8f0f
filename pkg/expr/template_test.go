package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitution(t *testing.T) {
	ctx := RenderContext{
		Values: map[string]any{
			"name":   "Ann",
			"score":  int64(9),
			"ratio":  0.5,
			"course": "Logic <2026>",
		},
	}

	out, err := Render("Hi {{ name }}, you scored {{ score }} ({{ ratio }}).", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ann, you scored 9 (0.5).", out)

	ctx.HTMLEscape = true
	out, err = Render("Welcome to {{ course }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Welcome to Logic &lt;2026&gt;", out)
}

func TestRenderConditionalBlocks(t *testing.T) {
	ctx := RenderContext{
		Values: map[string]any{"name": "Bob"},
		Conditions: map[string]Tri{
			"passed": False,
			"failed": True,
			"maybe":  Null,
		},
	}

	out, err := Render(
		"{{ name }}: {% if passed %}well done{% endif %}{% if failed %}see me{% endif %}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bob: see me", out)

	// Null withholds the block just like false.
	out, err = Render("{% if maybe %}hidden{% endif %}visible", ctx)
	require.NoError(t, err)
	assert.Equal(t, "visible", out)

	// Nested blocks.
	out, err = Render("{% if failed %}a{% if failed %}b{% endif %}c{% endif %}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", out)
}

func TestRenderFailClosed(t *testing.T) {
	ctx := RenderContext{
		Values:     map[string]any{"known": "x"},
		Conditions: map[string]Tri{"cond": True},
	}

	cases := []string{
		"{{ unknown }}",
		"{% if missing %}x{% endif %}",
		"{{ unterminated",
		"{% if cond %}no endif",
		"{% endif %}",
		"{% while cond %}x{% endif %}",
		"{{ }}",
	}
	for _, text := range cases {
		_, err := Render(text, ctx)
		require.Error(t, err, "template %q", text)
		var te *TemplateError
		assert.ErrorAs(t, err, &te)
	}
}

func TestTemplateNames(t *testing.T) {
	values, conditions, err := TemplateNames(
		"Dear {{ name }}, {% if passed %}your grade is {{ grade }}{% endif %} bye {{ name }}")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"name", "grade"}, values)
	assert.ElementsMatch(t, []string{"passed"}, conditions)

	_, _, err = TemplateNames("{% if a %}unclosed")
	assert.Error(t, err)

	values, conditions, err = TemplateNames("plain text")
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.Empty(t, conditions)
}
