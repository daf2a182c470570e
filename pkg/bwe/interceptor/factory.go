package interceptor

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/logging"

	"github.com/thesyncim/gcc/pkg/bwe"
)

// FactoryOption configures the BWEInterceptorFactory.
type FactoryOption func(*BWEInterceptorFactory) error

// NewControllerCallback is invoked with every Controller a factory creates,
// keyed by the interceptor id pion passes to NewInterceptor.
type NewControllerCallback func(id string, controller *bwe.Controller)

// BWEInterceptorFactory creates a BWEInterceptor, with its own Controller,
// for each PeerConnection. Register it with the interceptor registry to
// enable send-side congestion control.
type BWEInterceptorFactory struct {
	config          bwe.Config
	loggerFactory   logging.LoggerFactory
	paddingSSRC     uint32
	onTarget        func(update bwe.TargetUpdate)
	onNewController NewControllerCallback
}

// WithConfig replaces the whole controller configuration. Options applied
// afterwards still override individual fields.
func WithConfig(cfg bwe.Config) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		f.config = cfg
		return nil
	}
}

// WithInitialBitrate sets the start bitrate.
// Default: 300000 (300 kbps)
func WithInitialBitrate(bitrate int64) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if bitrate <= 0 {
			return errors.New("initial bitrate must be positive")
		}
		f.config.StartBitrate = bitrate
		return nil
	}
}

// WithMinBitrate sets the lower bound of the target bitrate.
// Default: 10000 (10 kbps)
func WithMinBitrate(bitrate int64) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if bitrate <= 0 {
			return errors.New("min bitrate must be positive")
		}
		f.config.MinBitrate = bitrate
		return nil
	}
}

// WithMaxBitrate sets the upper bound of the target bitrate.
// Default: 1000000000 (1 Gbps)
func WithMaxBitrate(bitrate int64) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if bitrate <= 0 {
			return errors.New("max bitrate must be positive")
		}
		f.config.MaxBitrate = bitrate
		return nil
	}
}

// WithLoggerFactory sets the logger factory of the interceptors and their
// controllers.
func WithLoggerFactory(factory logging.LoggerFactory) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if factory == nil {
			return errors.New("logger factory must not be nil")
		}
		f.loggerFactory = factory
		return nil
	}
}

// WithOnTargetBitrate sets a callback invoked on every target bitrate
// change of every controller the factory creates. It runs on the goroutine
// that caused the change and must not block.
func WithOnTargetBitrate(fn func(update bwe.TargetUpdate)) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.onTarget = fn
		return nil
	}
}

// WithPaddingSSRC sets the SSRC padding-only packets are sent with. Without
// it, padding goes out on the retransmission SSRC of the first local stream
// that has one, and no padding is sent if none has.
func WithPaddingSSRC(ssrc uint32) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if ssrc == 0 {
			return errors.New("padding SSRC must not be zero")
		}
		f.paddingSSRC = ssrc
		return nil
	}
}

// WithOnNewController sets a callback invoked with the Controller of each
// new interceptor, typically used to wire the target bitrate into an
// encoder.
func WithOnNewController(fn NewControllerCallback) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.onNewController = fn
		return nil
	}
}

// NewBWEInterceptorFactory creates a new factory for BWEInterceptor
// instances. The resulting configuration is validated once all options are
// applied.
//
// Example:
//
//	factory, err := NewBWEInterceptorFactory(
//	    WithInitialBitrate(500000),
//	    WithMaxBitrate(4000000),
//	    WithOnNewController(func(_ string, c *bwe.Controller) { ... }),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewBWEInterceptorFactory(opts ...FactoryOption) (*BWEInterceptorFactory, error) {
	f := &BWEInterceptorFactory{
		config: bwe.DefaultConfig(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if err := f.config.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewInterceptor creates a new BWEInterceptor for a PeerConnection.
// This method is called by the interceptor registry when setting up a
// connection.
func (f *BWEInterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	opts := []InterceptorOption{
		WithInterceptorLoggerFactory(f.loggerFactory),
	}
	if f.paddingSSRC != 0 {
		opts = append(opts, WithInterceptorPaddingSSRC(f.paddingSSRC))
	}
	if f.onTarget != nil {
		opts = append(opts, WithTargetObserver(bwe.ObserverFunc(f.onTarget)))
	}

	i, err := NewBWEInterceptor(f.config, opts...)
	if err != nil {
		return nil, err
	}
	if f.onNewController != nil {
		f.onNewController(id, i.Controller())
	}
	return i, nil
}
