package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  database: test.db
`)

	cfg, loader, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "llamacpp", cfg.Model.Backend)
	assert.Equal(t, "mythomax-l2-13b", cfg.Model.Name)
	assert.Equal(t, 50, cfg.Retrieval.TopK)
	assert.Equal(t, 800, cfg.Retrieval.ReservedForLookup)
}

func TestLoadFileEnvExpansion(t *testing.T) {
	t.Setenv("FABLE_DB_PATH", "/tmp/expanded.db")

	path := writeConfig(t, `
database:
  driver: sqlite
  database: ${FABLE_DB_PATH}
model:
  base_url: ${FABLE_MODEL_URL:-http://localhost:9999}
`)

	cfg, loader, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "/tmp/expanded.db", cfg.Database.Database)
	assert.Equal(t, "http://localhost:9999", cfg.Model.BaseURL)
}

func TestLoadFileTiers(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  database: test.db
tiers:
  elite:
    recent_memory_limit: 24
    model_max_tokens: 8192
    stop_tokens: ["Narrator:", "#"]
`)

	cfg, loader, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	elite, ok := cfg.Tiers["elite"]
	require.True(t, ok)
	assert.Equal(t, 24, elite.RecentMemoryLimit)
	assert.Equal(t, 8192, elite.ModelMaxTokens)
	assert.Equal(t, []string{"Narrator:", "#"}, elite.StopTokens)
	// Unset fields stay zero and inherit defaults at resolution time.
	assert.Zero(t, elite.TokenizeThreshold)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "bad backend",
			content: `
database: {driver: sqlite, database: t.db}
model: {backend: flux}
`,
		},
		{
			name: "missing host for postgres",
			content: `
database: {driver: postgres, database: fable}
`,
		},
		{
			name: "reserved exceeds model max",
			content: `
database: {driver: sqlite, database: t.db}
tiers:
  broken: {model_max_tokens: 100, reserved_for_generation: 100}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, _, err := LoadFile(context.Background(), path)
			assert.Error(t, err)
		})
	}
}

func TestDatabaseConfigDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "sqlite path",
			cfg:  DatabaseConfig{Driver: "sqlite", Database: "fable.db"},
			want: "fable.db",
		},
		{
			name: "postgres with credentials",
			cfg: DatabaseConfig{
				Driver: "postgres", Host: "db", Port: 5432, Database: "fable",
				Username: "app", Password: "secret", SSLMode: "disable",
			},
			want: "host=db port=5432 dbname=fable user=app password=secret sslmode=disable",
		},
		{
			name: "mysql",
			cfg: DatabaseConfig{
				Driver: "mysql", Host: "db", Port: 3306, Database: "fable",
				Username: "app", Password: "secret",
			},
			want: "app:secret@tcp(db:3306)/fable?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestDriverNameNormalization(t *testing.T) {
	cfg := DatabaseConfig{Driver: "sqlite"}
	assert.Equal(t, "sqlite3", cfg.DriverName())
	assert.Equal(t, "sqlite", cfg.Dialect())
}
