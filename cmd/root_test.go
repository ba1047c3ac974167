package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "seed", "scan", "batches", "intel", "competitors", "serve", "schedule"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "visibility-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestScanCommand_Flags(t *testing.T) {
	flag := scanCmd.Flags().Lookup("date")
	require.NotNil(t, flag, "scan command should have --date flag")
	assert.Equal(t, "", flag.DefValue)
}

func TestBatchesCommand_Flags(t *testing.T) {
	flag := batchesListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
	assert.NotNil(t, batchesStatsCmd.Flags().Lookup("since"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestIntelCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range intelCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"ingest", "report"} {
		assert.True(t, names[name], "intel should have subcommand %q", name)
	}
	assert.NotNil(t, intelReportCmd.Flags().Lookup("summary"))
}

func TestCompetitorsCommand_Flags(t *testing.T) {
	for _, name := range []string{"name", "location", "segment", "size"} {
		assert.NotNil(t, competitorsAddCmd.Flags().Lookup(name), "competitors add should have --%s", name)
	}
}
