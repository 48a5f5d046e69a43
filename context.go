package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"motionpipe/config"
	"motionpipe/internal/logging"
	"motionpipe/internal/metrics"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	metricsOnce sync.Once
	metrics     *metrics.Metrics

	// registry is nil outside tests, which selects the default registerer
	registry *prometheus.Registry
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) newLogger() (*zap.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// metricsSet returns the process-wide metrics, registered once
func (c *commandContext) metricsSet() *metrics.Metrics {
	c.metricsOnce.Do(func() {
		if c.registry != nil {
			c.metrics = metrics.New(c.registry)
			return
		}
		c.metrics = metrics.New(prometheus.DefaultRegisterer)
	})
	return c.metrics
}

func (c *commandContext) gatherer() prometheus.Gatherer {
	if c.registry != nil {
		return c.registry
	}
	return prometheus.DefaultGatherer
}
