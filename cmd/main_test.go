package main

import (
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkbenchmarker/config"
)

func TestSingleRun_FromFlags(t *testing.T) {
	cmd := runCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"-n", "500", "-p", "bar", "-l", "12", "-d", "64"}))

	run := singleRun(cmd)
	assert.Equal(t, "bar", run.Name)
	assert.Equal(t, 500, run.Children.Count)
	assert.Equal(t, 12, run.Children.MinNameLen)
	assert.Equal(t, 13, run.Children.MaxNameLen, "a single length means the range [l, l+1)")
	assert.Equal(t, 64, run.Children.PayloadBytes)
	assert.Empty(t, run.Children.FixedName)
}

func TestLoadConfig_RequiresChildCount(t *testing.T) {
	root := rootCmd()
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)

	_, err = loadConfig(run)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))

	require.NoError(t, run.Flags().Set("num-child-nodes", "20"))
	require.NoError(t, run.Flags().Set("fixed-name", "foo"))
	require.NoError(t, run.Flags().Set("no-progress", "true"))
	cfg, err := loadConfig(run)
	require.NoError(t, err)
	require.Len(t, cfg.Runs, 1)
	assert.Equal(t, "parent", cfg.Runs[0].Name)
	assert.Equal(t, "foo", cfg.Runs[0].Children.FixedName)
	assert.False(t, cfg.ShowProgress)
	assert.Equal(t, "/benchmark/parent", cfg.ParentPath(cfg.Runs[0]))
}

func TestPayloadSizes(t *testing.T) {
	cfg := config.Default()
	cfg.Runs = []config.RunConfig{
		{Name: "a", Children: config.ChildNodeSpec{Count: 1, FixedName: "x", PayloadBytes: 10}},
		{Name: "b", Children: config.ChildNodeSpec{Count: 1, FixedName: "y", PayloadBytes: 20}},
	}
	sizes := payloadSizes(cfg)
	assert.Equal(t, 10, sizes("a"))
	assert.Equal(t, 20, sizes("b"))
	assert.Zero(t, sizes("unknown"))
}

func TestConfigureLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	require.NoError(t, configureLogging("debug"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	err := configureLogging("loud")
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}
