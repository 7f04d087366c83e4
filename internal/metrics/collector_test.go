package metrics_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervehq/nerve/config"
	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/engine"
	"github.com/nervehq/nerve/internal/metrics"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.NotEmpty(t, mf.Metric)
			m := mf.Metric[0]
			if m.Gauge != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestCollector(t *testing.T) {
	ctx := context.Background()
	e, err := engine.New(ctx, engine.Config{
		ServerName: "metricsrv",
		HistoryDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Handle(ctx, engine.Command{Kind: engine.Shutdown}) })

	s, err := e.Session("")
	require.NoError(t, err)
	_, err = s.CreateFunction("noop", func(context.Context, *core.ExecutionContext) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	_, err = s.CreateGraph("g")
	require.NoError(t, err)

	e.Handle(ctx, engine.Command{Kind: engine.Ping})
	e.Handle(ctx, engine.Command{Kind: engine.Ping})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics.NewCollector("test", e)))

	assert.Equal(t, float64(1), gatherValue(t, reg, "nerve_sessions"))
	assert.Equal(t, float64(1), gatherValue(t, reg, "nerve_nodes"))
	assert.Equal(t, float64(1), gatherValue(t, reg, "nerve_graphs"))
	assert.Equal(t, float64(2), gatherValue(t, reg, "nerve_commands_total"))
	assert.GreaterOrEqual(t, gatherValue(t, reg, "nerve_uptime_seconds"), float64(0))
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	e, err := engine.New(ctx, engine.Config{
		ServerName: "setupsrv",
		HistoryDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Handle(ctx, engine.Command{Kind: engine.Shutdown}) })

	cfg, err := config.Load(config.LoadOptions{})
	require.NoError(t, err)
	assert.Nil(t, metrics.Setup(cfg, "test", e))

	cfg.Metrics.Enabled = true
	reg := metrics.Setup(cfg, "test", e)
	require.NotNil(t, reg)
	assert.Equal(t, float64(1), gatherValue(t, reg, "nerve_sessions"))
}

func TestInfoMetricLabels(t *testing.T) {
	ctx := context.Background()
	e, err := engine.New(ctx, engine.Config{
		ServerName: "infosrv",
		HistoryDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Handle(ctx, engine.Command{Kind: engine.Shutdown}) })

	reg := metrics.NewRegistry(metrics.NewCollector("1.2.3", e))
	families, err := reg.Gather()
	require.NoError(t, err)

	var info *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "nerve_info" {
			info = mf
		}
	}
	require.NotNil(t, info)
	labels := map[string]string{}
	for _, l := range info.Metric[0].Label {
		labels[l.GetName()] = l.GetValue()
	}
	assert.Equal(t, "1.2.3", labels["version"])
	assert.NotEmpty(t, labels["go_version"])
}
