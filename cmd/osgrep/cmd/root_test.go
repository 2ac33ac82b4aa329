package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"index", "search", "serve", "status", "worker"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestWorkerCmd_Hidden(t *testing.T) {
	for _, c := range rootCmd.Commands() {
		if c.Name() == "worker" {
			assert.True(t, c.Hidden)
			return
		}
	}
	t.Fatal("worker command not registered")
}

func TestSearchCmd_Flags(t *testing.T) {
	limit := searchCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "10", limit.DefValue)

	require.NotNil(t, searchCmd.Flags().Lookup("path"))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "one", firstLine("one\ntwo"))
	assert.Equal(t, "short", firstLine("short"))
}
