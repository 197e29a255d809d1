package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendererEnvHelpersUseAllowList(t *testing.T) {
	t.Setenv("FIELDSYNC_SECRET", "leaked")
	renderer := NewRenderer(map[string]string{"PROJECT": "farm-east"})

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{name: "env reads allow list", template: `{{ env "PROJECT" }}`, want: "farm-east"},
		{name: "env ignores process environment", template: `{{ env "FIELDSYNC_SECRET" }}`, want: ""},
		{name: "expandenv reads allow list", template: `{{ expandenv "/p/$PROJECT/$FIELDSYNC_SECRET" }}`, want: "/p/farm-east/"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := renderer.CompileInline("inline", tc.template)
			require.NoError(t, err)
			rendered, err := tmpl.Render(map[string]any{})
			require.NoError(t, err)
			require.Equal(t, tc.want, rendered)
		})
	}
}

func TestRendererNilEnv(t *testing.T) {
	tmpl, err := NewRenderer(nil).CompileInline("inline", `[{{ env "HOME" }}]`)
	require.NoError(t, err)
	rendered, err := tmpl.Render(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", rendered)
}

func TestRendererStripsSprigFileHelpers(t *testing.T) {
	renderer := NewRenderer(nil)

	helpers := []string{"readFile", "mustReadFile", "readDir", "mustReadDir", "glob"}
	for _, name := range helpers {
		name := name
		t.Run("removes "+name, func(t *testing.T) {
			_, ok := renderer.funcs[name]
			require.Falsef(t, ok, "expected sprig helper %q to be removed", name)
		})
	}

	t.Run("rejects removed helper", func(t *testing.T) {
		_, err := renderer.CompileInline("inline", "{{ readFile \"/etc/passwd\" }}")
		require.Error(t, err)
	})
}

func TestRendererRendersResourceURL(t *testing.T) {
	renderer := NewRenderer(nil)
	tmpl, err := renderer.CompileInline("url", `{{ .BaseURL | trimSuffix "/" }}/rest/v1/reports?farmer_id=eq.{{ .Key | urlquery }}`)
	require.NoError(t, err)
	require.Equal(t, "url", tmpl.Name())

	rendered, err := tmpl.Render(map[string]any{"BaseURL": "https://api.example.test/", "Key": "farm 1"})
	require.NoError(t, err)
	require.Equal(t, "https://api.example.test/rest/v1/reports?farmer_id=eq.farm+1", rendered)
}

func TestRendererEmptySourceAndNilTemplate(t *testing.T) {
	renderer := NewRenderer(nil)
	tmpl, err := renderer.CompileInline("blank", "   ")
	require.NoError(t, err)
	require.Nil(t, tmpl)
	require.Equal(t, "", tmpl.Name())

	_, err = tmpl.Render(nil)
	require.Error(t, err)

	_, err = renderer.CompileInline("broken", "{{ .Key ")
	require.Error(t, err)
}
