package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("VITRINE_TEST_A=from-file\nVITRINE_TEST_B=from-file\n"), 0o600))

	t.Setenv("VITRINE_TEST_A", "from-env")
	t.Setenv("VITRINE_TEST_B", "")
	os.Unsetenv("VITRINE_TEST_B")

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "from-env", os.Getenv("VITRINE_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("VITRINE_TEST_B"))
}

func TestLoadEnvMissingFileIsIgnored(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "absent.env")))
}
