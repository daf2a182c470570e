package interceptor

import (
	"sync"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/gcc/pkg/bwe"
)

func TestNewBWEInterceptorFactory_Defaults(t *testing.T) {
	factory, err := NewBWEInterceptorFactory()
	require.NoError(t, err)
	require.NotNil(t, factory)

	assert.Equal(t, bwe.DefaultConfig(), factory.config)
	assert.Zero(t, factory.paddingSSRC)
	assert.Nil(t, factory.onTarget)
}

func TestNewBWEInterceptorFactory_WithOptions(t *testing.T) {
	factory, err := NewBWEInterceptorFactory(
		WithInitialBitrate(500000),
		WithMinBitrate(50000),
		WithMaxBitrate(5000000),
		WithPaddingSSRC(12345),
		WithLoggerFactory(logging.NewDefaultLoggerFactory()),
	)
	require.NoError(t, err)

	assert.Equal(t, int64(500000), factory.config.StartBitrate)
	assert.Equal(t, int64(50000), factory.config.MinBitrate)
	assert.Equal(t, int64(5000000), factory.config.MaxBitrate)
	assert.Equal(t, uint32(12345), factory.paddingSSRC)
	assert.NotNil(t, factory.loggerFactory)
}

func TestNewBWEInterceptorFactory_WithConfig(t *testing.T) {
	cfg := bwe.DefaultConfig()
	cfg.ProbingEnabled = false
	cfg.MaxBitrate = 2_000_000

	factory, err := NewBWEInterceptorFactory(WithConfig(cfg), WithInitialBitrate(600_000))
	require.NoError(t, err)
	assert.False(t, factory.config.ProbingEnabled)
	assert.Equal(t, int64(2_000_000), factory.config.MaxBitrate)
	assert.Equal(t, int64(600_000), factory.config.StartBitrate, "later options override the config")
}

func TestNewBWEInterceptorFactory_InvalidOptions(t *testing.T) {
	badConfig := bwe.DefaultConfig()
	badConfig.PacingMultiplier = 0.5

	tests := []struct {
		name string
		opt  FactoryOption
	}{
		{"zero initial bitrate", WithInitialBitrate(0)},
		{"negative min bitrate", WithMinBitrate(-1)},
		{"zero max bitrate", WithMaxBitrate(0)},
		{"nil logger factory", WithLoggerFactory(nil)},
		{"zero padding SSRC", WithPaddingSSRC(0)},
		{"invalid config", WithConfig(badConfig)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBWEInterceptorFactory(tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestNewBWEInterceptorFactory_InconsistentBounds(t *testing.T) {
	// each option is valid on its own, the combination is not
	_, err := NewBWEInterceptorFactory(
		WithMinBitrate(1_000_000),
		WithMaxBitrate(500_000),
	)
	assert.ErrorIs(t, err, bwe.ErrInvalidConfig)
}

func TestBWEInterceptorFactory_NewInterceptor(t *testing.T) {
	factory, err := NewBWEInterceptorFactory()
	require.NoError(t, err)

	i, err := factory.NewInterceptor("test-id")
	require.NoError(t, err)
	require.NotNil(t, i)
	defer i.Close()

	bweInter, ok := i.(*BWEInterceptor)
	require.True(t, ok)
	require.NotNil(t, bweInter.Controller())
	assert.Equal(t, int64(300_000), bweInter.Controller().Target().Bitrate)
}

func TestBWEInterceptorFactory_Callbacks(t *testing.T) {
	var (
		mu          sync.Mutex
		ids         []string
		controllers []*bwe.Controller
		targets     []int64
	)
	factory, err := NewBWEInterceptorFactory(
		WithInitialBitrate(400_000),
		WithOnNewController(func(id string, c *bwe.Controller) {
			mu.Lock()
			defer mu.Unlock()
			ids = append(ids, id)
			controllers = append(controllers, c)
		}),
		WithOnTargetBitrate(func(u bwe.TargetUpdate) {
			mu.Lock()
			defer mu.Unlock()
			targets = append(targets, u.Bitrate)
		}),
	)
	require.NoError(t, err)

	i, err := factory.NewInterceptor("pc-1")
	require.NoError(t, err)
	defer i.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pc-1"}, ids)
	require.Len(t, controllers, 1)
	assert.Same(t, i.(*BWEInterceptor).Controller(), controllers[0])
	assert.Equal(t, []int64{400_000}, targets, "the start bitrate is published on creation")
}

func TestBWEInterceptorFactory_ImplementsInterface(t *testing.T) {
	factory, err := NewBWEInterceptorFactory()
	require.NoError(t, err)

	var _ interceptor.Factory = factory

	i, err := factory.NewInterceptor("")
	require.NoError(t, err)
	defer i.Close()
	var _ interceptor.Interceptor = i
	var _ bwe.PacketSender = i.(*BWEInterceptor)
}

func TestBWEInterceptorFactory_InterceptorsAreIndependent(t *testing.T) {
	factory, err := NewBWEInterceptorFactory()
	require.NoError(t, err)

	i1, err := factory.NewInterceptor("a")
	require.NoError(t, err)
	defer i1.Close()
	i2, err := factory.NewInterceptor("b")
	require.NoError(t, err)
	defer i2.Close()

	c1 := i1.(*BWEInterceptor).Controller()
	c2 := i2.(*BWEInterceptor).Controller()
	assert.NotSame(t, c1, c2)

	c1.OnReceivedRTCPBandwidth(100_000, nil)
	assert.Equal(t, int64(100_000), c1.Target().Bitrate)
	assert.Equal(t, int64(300_000), c2.Target().Bitrate)
}
