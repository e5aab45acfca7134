package parloop

import "time"

// poolOptions holds configuration for NewThreadPool.
type poolOptions struct {
	workers        int
	metricsEnabled bool
	logger         Logger
	rollbackRates  map[time.Duration]int
}

// --- ThreadPool Options ---

// PoolOption configures a ThreadPool instance.
type PoolOption interface {
	applyPool(*poolOptions) error
}

// poolOptionImpl implements PoolOption.
type poolOptionImpl struct {
	applyPoolFunc func(*poolOptions) error
}

func (p *poolOptionImpl) applyPool(opts *poolOptions) error {
	return p.applyPoolFunc(opts)
}

// WithWorkers sets the fixed number of worker goroutines. Defaults to 4, per
// spec.md §5's "fixed pool of OS threads (compile-time constant, 4)".
func WithWorkers(n int) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.workers = n
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the pool. When enabled,
// metrics can be read via ThreadPool.Metrics().
func WithMetrics(enabled bool) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithLogger attaches a Logger to the pool, overriding the package-level
// global logger for events this pool emits.
func WithLogger(logger Logger) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithRollbackLogRate configures the sliding-window rate limit applied to
// conflict log lines (see jobstate.go). Defaults to 5 lines per second per
// Job. The "job rolled back" line is logged once per rolled-back Job and is
// not rate limited.
func WithRollbackLogRate(rates map[time.Duration]int) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.rollbackRates = rates
		return nil
	}}
}

// resolvePoolOptions applies PoolOption instances to poolOptions.
func resolvePoolOptions(opts []PoolOption) (*poolOptions, error) {
	cfg := &poolOptions{
		workers: 4,
		logger:  getGlobalLogger(),
		rollbackRates: map[time.Duration]int{
			time.Second: 5,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.workers <= 0 {
		cfg.workers = 4
	}
	return cfg, nil
}
