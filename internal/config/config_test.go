package config_test

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/cortexscore/evalengine/internal/config"
	"github.com/cortexscore/evalengine/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	cfg, err := config.Load(v)
	require.NoError(t, err)

	require.Equal(t, 10, cfg.MaxConcurrentTasks)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 300, int(cfg.TaskTimeout.Seconds()))
	require.Equal(t, 60, int(cfg.SweepInterval.Seconds()))
	require.Equal(t, model.DefaultWeights(), cfg.Weights)
}

func TestValidate_RejectsBadWeights(t *testing.T) {
	v := viper.New()
	cfg, err := config.Load(v)
	require.NoError(t, err)

	cfg.Weights[model.DimensionAccuracy] = 0.99
	err = cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveConcurrency(t *testing.T) {
	v := viper.New()
	cfg, err := config.Load(v)
	require.NoError(t, err)

	cfg.MaxConcurrentTasks = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsNegativeWeight(t *testing.T) {
	v := viper.New()
	cfg, err := config.Load(v)
	require.NoError(t, err)

	cfg.Weights[model.DimensionCoherence] = -0.1
	require.Error(t, cfg.Validate())
}
