package lvtclient

import (
	"errors"
	"log/slog"

	"golang.org/x/net/html"

	"github.com/livefir/lvtclient/internal/lock"
	"github.com/livefir/lvtclient/internal/metrics"
	"github.com/livefir/lvtclient/internal/sched"
	"github.com/livefir/lvtclient/internal/scope"
	"github.com/livefir/lvtclient/internal/transport"
)

// Option configures an Engine instance
type Option func(*Engine) error

// WithConfig replaces the default configuration
func WithConfig(config *Config) Option {
	return func(e *Engine) error {
		if config == nil {
			return errors.New("config cannot be nil")
		}
		if err := config.Validate(); err != nil {
			return err
		}
		e.config = config
		return nil
	}
}

// WithLogger sets the logger shared by every component
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		e.logger = logger
		return nil
	}
}

// WithSender attaches the transport used by PushEvent
func WithSender(s transport.Sender) Option {
	return func(e *Engine) error {
		e.sender = s
		return nil
	}
}

// WithScheduler replaces the wall-clock scheduler used for removal
// fallbacks and acknowledgement timeouts
func WithScheduler(s sched.Scheduler) Option {
	return func(e *Engine) error {
		if s == nil {
			return errors.New("scheduler cannot be nil")
		}
		e.clock = s
		return nil
	}
}

// WithHooks registers lifecycle consumers. Hooks run after the engine
// released its lock and may call any Engine method.
func WithHooks(h ...scope.Hooks) Option {
	return func(e *Engine) error {
		e.hooks = append(e.hooks, h...)
		return nil
	}
}

// WithTransitions registers the collaborator that animates elements marked
// for removal. It must call Engine.CompleteTransition when done, which it may
// do from the callback itself.
func WithTransitions(fn func(el *html.Node)) Option {
	return func(e *Engine) error {
		e.onRemove = fn
		return nil
	}
}

// OnDesync is called after a scope was torn down because its diffs could
// not be applied. The transport usually rejoins the scope; fn may remount it
// with MountRoot directly.
func OnDesync(fn func(scopeID string, err error)) Option {
	return func(e *Engine) error {
		e.onDesync = fn
		return nil
	}
}

// OnAbandon is called for every ref cleared without an acknowledgement
func OnAbandon(fn func(ref lock.Ref, scopeID string)) Option {
	return func(e *Engine) error {
		e.onAbandon = fn
		return nil
	}
}

// WithMetrics shares a collector between engines
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("metrics collector cannot be nil")
		}
		e.metrics = c
		return nil
	}
}
