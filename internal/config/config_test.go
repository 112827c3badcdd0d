package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
)

// clearEnv blanks every variable Load reads so the host environment does
// not leak into the tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for key, env := range envBindings {
		t.Setenv(env, "")
		os.Unsetenv(env)
		prefixed := "EPHEMERA_" + envKey(key)
		t.Setenv(prefixed, "")
		os.Unsetenv(prefixed)
	}
	t.Chdir(t.TempDir())
}

func envKey(key string) string {
	out := []byte(key)
	for i, c := range out {
		switch {
		case c == '.':
			out[i] = '_'
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ollama", s.Provider.Name)
	assert.Equal(t, "mistral-small3.2:24b", s.Provider.Model)
	assert.Equal(t, 1500*time.Millisecond, s.Batch.Delay)
	assert.Equal(t, 900*1024, s.Cloud.MaxDocumentBytes)
	assert.Equal(t, 2, s.Cloud.OfflineAfter)
	assert.Equal(t, "none", s.Cloud.Backend)
	assert.False(t, s.CloudEnabled())
	assert.Equal(t, "8888", s.Server.Port)
	assert.NotEmpty(t, s.Storage.Path)
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("CATALOGING_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("EPHEMERA_BATCH_DELAY", "250ms")
	t.Setenv("EPHEMERA_CLOUD_BACKEND", "memory")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "openai", s.Provider.Name)
	assert.Equal(t, "gpt-4o", s.Provider.Model)
	assert.Equal(t, "sk-test", s.ProviderSettings().OpenAIKey)
	assert.Equal(t, 250*time.Millisecond, s.Batch.Delay)
	assert.True(t, s.CloudEnabled())
}

func TestLoad_PrefixedVariableWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("CATALOGING_PROVIDER", "openai")
	t.Setenv("EPHEMERA_PROVIDER_NAME", "gemini")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gemini", s.Provider.Name)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  path: /tmp/catalog.db
provider:
  name: claude
  timeout: 10s
cloud:
  backend: firestore
  project_id: demo-project
log:
  level: debug
`), 0644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/catalog.db", s.Storage.Path)
	assert.Equal(t, "claude", s.Provider.Name)
	assert.Equal(t, 10*time.Second, s.Provider.Timeout)
	assert.Equal(t, "demo-project", s.Cloud.ProjectID)
	assert.Equal(t, "debug", s.Log.Level)
}

func TestLoad_SearchPath(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile("ephemera.yaml", []byte("server:\n  port: \"9000\"\n"), 0644))

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9000", s.Server.Port)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Settings {
		s := &Settings{}
		s.Storage.Path = "x.db"
		s.Provider.Name = "ollama"
		s.Cloud.Backend = "none"
		s.Cloud.MaxDocumentBytes = 1024
		return s
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"valid", func(*Settings) {}, false},
		{"unknown provider", func(s *Settings) { s.Provider.Name = "watson" }, true},
		{"negative delay", func(s *Settings) { s.Batch.Delay = -time.Second }, true},
		{"negative timeout", func(s *Settings) { s.Provider.Timeout = -time.Second }, true},
		{"zero document limit", func(s *Settings) { s.Cloud.MaxDocumentBytes = 0 }, true},
		{"firestore without project", func(s *Settings) { s.Cloud.Backend = "firestore" }, true},
		{"unknown backend", func(s *Settings) { s.Cloud.Backend = "dropbox" }, true},
		{"no storage path", func(s *Settings) { s.Storage.Path = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsCategory(err, errors.CategoryValidation) {
				t.Errorf("expected validation category, got %v", err)
			}
		})
	}
}
