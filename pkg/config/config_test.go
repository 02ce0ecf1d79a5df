package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv() raw {
	return raw{
		"DB_HOST":    "localhost",
		"DB_NAME":    "ctfd",
		"DB_USER":    "ctfd",
		"IMAGES_NAME": "challenge:latest",
		"FLAG":       "flag{test}",
		"START_RANGE": "20000",
		"STOP_RANGE":  "21000",
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(validEnv())
	require.NoError(t, err)
	assert.Equal(t, 3600, cfg.DefaultLifetimeSec)
	assert.Equal(t, 1800, cfg.ExtensionSec)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "ctf_net", cfg.NetworkName)
	assert.False(t, cfg.BypassCaptcha)
	assert.True(t, cfg.EnableResourceQuotas)
}

func TestFromEnvMissingRequiredFields(t *testing.T) {
	_, err := FromEnv(raw{})
	require.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	assert.True(t, fields["DB_HOST"])
	assert.True(t, fields["DB_NAME"])
	assert.True(t, fields["DB_USER"])
	assert.True(t, fields["IMAGES_NAME"])
	assert.True(t, fields["FLAG"])
}

func TestFromEnvRejectsWellKnownPortInRange(t *testing.T) {
	env := validEnv()
	env["START_RANGE"] = "5000"
	env["STOP_RANGE"] = "5433"
	_, err := FromEnv(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "well-known service port")
}

func TestFromEnvRejectsInvertedRange(t *testing.T) {
	env := validEnv()
	env["START_RANGE"] = "21000"
	env["STOP_RANGE"] = "20000"
	_, err := FromEnv(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "START_RANGE")
}

func TestFromEnvRejectsBadPoolBounds(t *testing.T) {
	env := validEnv()
	env["DB_POOL_MIN"] = "20"
	env["DB_POOL_MAX"] = "5"
	_, err := FromEnv(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_POOL_MIN")
}

func TestFromEnvInvalidIntegerFallsBackAndRecordsError(t *testing.T) {
	env := validEnv()
	env["API_PORT"] = "not-a-number"
	_, err := FromEnv(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_PORT")
}

func TestDSNFormatsLibpqStyle(t *testing.T) {
	cfg, err := FromEnv(validEnv())
	require.NoError(t, err)
	cfg.DBPassword = "secret"
	assert.Equal(t, "host=localhost port=5432 dbname=ctfd user=ctfd password=secret sslmode=disable", cfg.DSN())
}

func TestPortRangeSize(t *testing.T) {
	cfg, err := FromEnv(validEnv())
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.PortRangeSize())
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	path := t.TempDir() + "/cfg.env"
	require.NoError(t, os.WriteFile(path, []byte("# comment\n\nDB_HOST=localhost\nDB_NAME = ctfd \n"), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	kv, err := parse(f)
	require.NoError(t, err)
	assert.Equal(t, "localhost", kv["DB_HOST"])
	assert.Equal(t, "ctfd", kv["DB_NAME"])
}

func TestLoadReadsFileAndValidates(t *testing.T) {
	path := t.TempDir() + "/cfg.env"
	require.NoError(t, os.WriteFile(path, []byte(
		"DB_HOST=localhost\nDB_NAME=ctfd\nDB_USER=ctfd\nIMAGES_NAME=challenge:latest\nFLAG=flag{test}\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.DBHost)
}
