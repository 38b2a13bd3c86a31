package main

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		viper.Set("config", "")
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_Exec(t *testing.T) {
	out, err := runCLI(t, "exec", "SELECT 40 + 2 AS answer",
		"--driver", "sqlite3", "--pool-min", "1", "--pool-max", "2", "--mode", "one")
	require.NoError(t, err)

	var res struct {
		Row []int64 `json:"row"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []int64{42}, res.Row)
}

func TestCLI_ExecBadMode(t *testing.T) {
	_, err := runCLI(t, "exec", "SELECT 1", "--driver", "sqlite3", "--mode", "many")
	assert.ErrorContains(t, err, "unknown fetch mode")
}

func TestCLI_Status(t *testing.T) {
	out, err := runCLI(t, "status", "--driver", "duckdb", "--pool-min", "2", "--pool-max", "4")
	require.NoError(t, err)

	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, true, status["initialized"])
	assert.EqualValues(t, 4, status["pool_max"])
	assert.EqualValues(t, 2, status["size"])
}

func TestCLI_Config(t *testing.T) {
	out, err := runCLI(t, "config", "--driver", "mysql", "--password", "hunter2")
	require.NoError(t, err)
	assert.Contains(t, out, "driver: mysql")
	assert.NotContains(t, out, "hunter2")
}

func TestCLI_Check(t *testing.T) {
	out, err := runCLI(t, "check", "--driver", "sqlite3")
	require.NoError(t, err)
	assert.Regexp(t, `^ok: 3\.\d+`, out)

	_, err = runCLI(t, "check", "--driver", "postgres", "--host", "127.0.0.1", "--port", "1")
	assert.ErrorContains(t, err, "unreachable")
}

func TestStringArgs(t *testing.T) {
	assert.Equal(t, []any{"a", "7"}, stringArgs([]string{"a", "7"}))
	assert.Empty(t, stringArgs(nil))
}
