package cmd

import (
	"testing"
	"time"

	"github.com/clambin/go-common/charmer"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	require.NoError(t, charmer.SetDefaults(v, args))

	assert.Equal(t, 30*time.Minute, v.GetDuration("agile.interval"))
	assert.Equal(t, "H", v.GetString("agile.region"))
	assert.Equal(t, 30*time.Second, v.GetDuration("poller.interval"))
	assert.Equal(t, 15*time.Minute, v.GetDuration("strategy.interval"))
	assert.Equal(t, time.Hour, v.GetDuration("strategy.dwell"))
	assert.Equal(t, time.Minute, v.GetDuration("rules.interval"))
	assert.Equal(t, 90*24*time.Hour, v.GetDuration("telemetry.retention"))
	assert.Equal(t, ":9090", v.GetString("exporter.addr"))
	assert.Equal(t, ":8080", v.GetString("health.addr"))
}
