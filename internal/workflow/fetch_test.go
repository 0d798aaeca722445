package workflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSources(t *testing.T) {
	assert.Equal(t, []string{"a.yml", "b.yml", "c.hcl"}, ParseSources("a.yml, b.yml c.hcl"))
	assert.Nil(t, ParseSources("  "))
}

func TestRewriteBlobURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "github blob",
			in:   "https://github.com/acme/pipeline/blob/main/.ci/build.yml",
			want: "https://raw.githubusercontent.com/acme/pipeline/main/.ci/build.yml",
		},
		{
			name: "gitlab blob",
			in:   "https://gitlab.example.com/group/project/-/blob/main/ci/build.yml",
			want: "https://gitlab.example.com/api/v4/projects/group%2Fproject/repository/files/ci%2Fbuild.yml/raw?ref=main",
		},
		{
			name: "raw url passes through",
			in:   "https://raw.githubusercontent.com/acme/pipeline/main/build.yml",
			want: "https://raw.githubusercontent.com/acme/pipeline/main/build.yml",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rewriteBlobURL(tt.in))
		})
	}
}

func TestLoaderLoad(t *testing.T) {
	t.Run("local file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ci.yml")
		require.NoError(t, os.WriteFile(path, []byte(sampleWorkflow), 0o644))

		loader := &Loader{}
		workflows, err := loader.Load(context.Background(), path)
		require.NoError(t, err)
		require.Len(t, workflows, 1)
		assert.Equal(t, "ci", workflows[0].Name)
	})

	t.Run("directory loads yaml and hcl sorted", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"), []byte(sampleHCL), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte(sampleWorkflow), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

		loader := &Loader{}
		workflows, err := loader.Load(context.Background(), dir)
		require.NoError(t, err)
		require.Len(t, workflows, 2)
	})

	t.Run("remote fetch sends bearer token", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(sampleWorkflow))
		}))
		defer server.Close()

		loader := &Loader{Token: "t0ken", Client: server.Client()}
		workflows, err := loader.Load(context.Background(), server.URL+"/ci.yml")
		require.NoError(t, err)
		require.Len(t, workflows, 1)
		assert.Equal(t, "Bearer t0ken", gotAuth)
	})

	t.Run("remote error surfaces", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusNotFound)
		}))
		defer server.Close()

		loader := &Loader{Client: server.Client()}
		_, err := loader.Load(context.Background(), server.URL+"/missing.yml")
		require.ErrorContains(t, err, "HTTP 404")
	})
}
