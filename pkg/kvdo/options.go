package kvdo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tigerblue77/kvdo/internal/kvdo/config"
)

// Option customizes the Config an Open call constructs its Instance with.
type Option interface {
	apply(*openOptions)
}

type openOptions struct {
	cfg     config.Config
	log     *logrus.Entry
	promReg prometheus.Registerer
}

type optionFunc func(*openOptions)

func (f optionFunc) apply(o *openOptions) { f(o) }

// WithThreadCounts overrides the worker-pool sizing fixed at format time.
func WithThreadCounts(t config.ThreadCounts) Option {
	return optionFunc(func(o *openOptions) { o.cfg.ThreadCounts = t })
}

// WithCacheSize overrides the block-map cache size.
func WithCacheSize(blocks uint64) Option {
	return optionFunc(func(o *openOptions) { o.cfg.CacheSize = blocks })
}

// WithWritePolicy overrides the write-acknowledgment policy.
func WithWritePolicy(p config.WritePolicy) Option {
	return optionFunc(func(o *openOptions) { o.cfg.WritePolicy = p })
}

// WithLogger installs log as the structured logger every component logs
// through; the default discards all output.
func WithLogger(log *logrus.Entry) Option {
	return optionFunc(func(o *openOptions) { o.log = log })
}

// WithMetrics registers the Instance's Prometheus collectors against reg
// instead of leaving metrics unregistered.
func WithMetrics(reg prometheus.Registerer) Option {
	return optionFunc(func(o *openOptions) { o.promReg = reg })
}
