package interceptor

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/gcc/pkg/bwe"
)

// loopbackNetwork stands in for the remote peer: every packet written is
// recorded with its arrival time and returned as transport feedback on
// each Read of its RTCP side.
type loopbackNetwork struct {
	mu       sync.Mutex
	start    time.Time
	recorder *twcc.Recorder
	packets  int
	padding  int
	feedback chan []byte
}

func newLoopbackNetwork() *loopbackNetwork {
	return &loopbackNetwork{
		start:    time.Now(),
		recorder: twcc.NewRecorder(0xFEED),
		feedback: make(chan []byte, 64),
	}
}

func (n *loopbackNetwork) Write(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
	raw := header.GetExtension(testTransportCCID)
	var ext rtp.TransportCCExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.packets++
	if header.Padding {
		n.padding++
	}
	arrival := time.Since(n.start).Microseconds() + 40_000
	n.recorder.Record(header.SSRC, ext.TransportSequence, arrival)
	return header.MarshalSize() + len(payload), nil
}

func (n *loopbackNetwork) flush() {
	n.mu.Lock()
	pkts := n.recorder.BuildFeedbackPacket()
	n.mu.Unlock()
	if len(pkts) == 0 {
		return
	}
	raw, err := rtcp.Marshal(pkts)
	if err != nil {
		return
	}
	n.feedback <- raw
}

func (n *loopbackNetwork) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.packets, n.padding
}

// Read blocks until the next feedback packet is flushed.
func (n *loopbackNetwork) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	raw := <-n.feedback
	return copy(b, raw), a, nil
}

// TestIntegration_FeedbackLoop runs the interceptor against a loopback
// network in real time: media is paced out, transport feedback flows back
// through the RTCP reader and the initial probes use padding.
func TestIntegration_FeedbackLoop(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}

	var (
		mu      sync.Mutex
		targets []int64
	)
	factory, err := NewBWEInterceptorFactory(
		WithInitialBitrate(300_000),
		WithMaxBitrate(2_000_000),
		WithOnTargetBitrate(func(u bwe.TargetUpdate) {
			mu.Lock()
			targets = append(targets, u.Bitrate)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	inter, err := factory.NewInterceptor("loopback")
	require.NoError(t, err)
	bweInter := inter.(*BWEInterceptor)

	network := newLoopbackNetwork()
	info := videoStreamInfo(0x1234)
	info.SSRCRetransmission = 0x5678
	info.PayloadTypeRetransmission = 97
	writer := bweInter.BindLocalStream(info, network)
	reader := bweInter.BindRTCPReader(network)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	// RTCP reader, as pion's read loop would run it
	go func() {
		defer wg.Done()
		buf := make([]byte, 8192)
		for {
			select {
			case <-done:
				return
			default:
			}
			_, _, _ = reader.Read(buf, nil)
		}
	}()

	// feedback every 50 ms
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				network.feedback <- nil
				return
			case <-ticker.C:
				network.flush()
			}
		}
	}()

	// encoder: one 1000 byte frame every 33 ms, shaped by the target
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(33 * time.Millisecond)
		defer ticker.Stop()
		seq := uint16(0)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				header := &rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, Timestamp: uint32(seq) * 3000, SSRC: 0x1234}
				_, _ = writer.Write(header, make([]byte, 1000), nil)
				seq++
			}
		}
	}()

	assert.Eventually(t, func() bool {
		return bweInter.Controller().Stats().FeedbackReport >= 10
	}, 5*time.Second, 20*time.Millisecond, "feedback reaches the controller")

	close(done)
	wg.Wait()
	require.NoError(t, bweInter.Close())

	stats := bweInter.Controller().Stats()
	packets, padding := network.counts()
	assert.Greater(t, packets, 20)
	assert.Positive(t, padding, "initial probes are padded")
	assert.Positive(t, stats.TargetBitrate)
	assert.Positive(t, stats.AcknowledgedBitrate)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, targets)
	assert.Equal(t, int64(300_000), targets[0])
}

// TestIntegration_Registry builds the interceptor through a pion registry,
// as a PeerConnection does.
func TestIntegration_Registry(t *testing.T) {
	factory, err := NewBWEInterceptorFactory()
	require.NoError(t, err)

	registry := &interceptor.Registry{}
	registry.Add(factory)
	chain, err := registry.Build("pc")
	require.NoError(t, err)

	out := &captureRTPWriter{}
	writer := chain.BindLocalStream(videoStreamInfo(42), out)
	header := &rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, SSRC: 42}
	_, err = writer.Write(header, make([]byte, 200), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(out.get()) == 1
	}, 2*time.Second, 5*time.Millisecond, "the pacer releases the packet")
	packets := out.get()
	require.NotEmpty(t, packets)
	assert.Equal(t, uint16(7), packets[0].header.SequenceNumber)
	assert.NotNil(t, packets[0].header.GetExtension(testTransportCCID))

	require.NoError(t, chain.Close())
}

// TestIntegration_CloseStopsAllGoroutines checks Close returns once the
// pacer, process and cleanup loops have exited.
func TestIntegration_CloseStopsAllGoroutines(t *testing.T) {
	factory, err := NewBWEInterceptorFactory()
	require.NoError(t, err)

	for n := 0; n < 5; n++ {
		inter, err := factory.NewInterceptor("")
		require.NoError(t, err)
		bweInter := inter.(*BWEInterceptor)
		bweInter.BindLocalStream(videoStreamInfo(uint32(n+1)), &captureRTPWriter{})

		closed := make(chan error, 1)
		go func() { closed <- bweInter.Close() }()
		select {
		case err := <-closed:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Close did not return")
		}
	}
}
