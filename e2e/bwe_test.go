//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/thesyncim/gcc/cmd/chrome-interop/server"
	"github.com/thesyncim/gcc/pkg/bwe/testutil"
)

// startCall starts a server and a browser, and places a call from the
// browser's page. It returns once the peer connection is connected.
func startCall(t *testing.T) (*server.Server, *testutil.BrowserClient, string) {
	t.Helper()

	cfg := server.DefaultConfig()
	srv, err := server.NewServer(cfg)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("server shutdown error: %v", err)
		}
	})

	client, err := testutil.NewBrowserClient(testutil.DefaultBrowserConfig())
	if err != nil {
		t.Fatalf("failed to create browser: %v", err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("browser close error: %v", err)
		}
	})

	// The server returns [::]:port format, we need localhost:port for Chrome
	_, port, _ := net.SplitHostPort(addr)
	base := "http://localhost:" + port
	page, err := client.Navigate(base)
	if err != nil {
		t.Fatalf("failed to navigate: %v", err)
	}
	if err := client.WaitStable(); err != nil {
		t.Fatalf("page not stable: %v", err)
	}
	if title := page.MustElement("title").MustText(); !strings.Contains(title, "GCC") {
		t.Fatalf("unexpected page title %q", title)
	}

	if _, err := client.Eval(`() => startCall()`); err != nil {
		t.Fatalf("failed to start call: %v", err)
	}
	if err := client.WaitFor(`() => window.interop.connection === 'connected'`, 30*time.Second); err != nil {
		state, _ := client.Eval(`() => JSON.stringify(window.interop)`)
		if state != nil {
			t.Logf("Debug state: %s", state.Value.String())
		}
		t.Fatalf("WebRTC connection failed: %v", err)
	}
	t.Log("WebRTC connection established")
	return srv, client, base
}

func fetchStats(base string) ([]server.SessionStats, error) {
	resp, err := http.Get(base + "/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /stats: status %d", resp.StatusCode)
	}
	var sessions []server.SessionStats
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// TestChrome_TransportFeedbackDrivesTarget validates the send side end to end:
// 1. The browser negotiates transport-cc and receives paced video
// 2. Chrome's transport feedback reaches the controller
// 3. The target bitrate stays within the configured bounds
func TestChrome_TransportFeedbackDrivesTarget(t *testing.T) {
	_, client, base := startCall(t)

	if err := client.WaitFor(`() => window.interop.packetsReceived > 100`, 20*time.Second); err != nil {
		t.Fatalf("browser is not receiving media: %v", err)
	}

	var last server.SessionStats
	deadline := time.Now().Add(20 * time.Second)
	for {
		sessions, err := fetchStats(base)
		if err != nil {
			t.Fatalf("failed to fetch stats: %v", err)
		}
		if len(sessions) == 1 {
			last = sessions[0]
			if last.Stats.FeedbackReport > 50 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("not enough transport feedback: %+v", last)
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Logf("target %d bps, acknowledged %d bps, %d feedback reports, rtt %v",
		last.Target, last.Stats.AcknowledgedBitrate, last.Stats.FeedbackReport, last.Stats.RTT)

	cfg := server.DefaultConfig().BWE
	if last.Target < cfg.MinBitrate || last.Target > cfg.MaxBitrate {
		t.Errorf("target %d outside [%d, %d]", last.Target, cfg.MinBitrate, cfg.MaxBitrate)
	}
	if last.Stats.AcknowledgedBitrate <= 0 {
		t.Error("no acknowledged bitrate from browser feedback")
	}
	if last.SentBytes == 0 {
		t.Error("server reports no media sent")
	}

	t.Log("E2E test passed: Chrome's transport feedback drives the target")
}

// TestChrome_NegotiatesTransportCC checks the answer offers transport-cc
// feedback and the transport-wide sequence number extension.
func TestChrome_NegotiatesTransportCC(t *testing.T) {
	_, client, _ := startCall(t)

	result, err := client.Eval(`() => {
		const sdp = pc.remoteDescription.sdp;
		return {
			feedback: /a=rtcp-fb:\d+ transport-cc/.test(sdp),
			extension: sdp.includes('draft-holmer-rmcat-transport-wide-cc-extensions-01')
		};
	}`)
	if err != nil {
		t.Fatalf("failed to read remote description: %v", err)
	}
	if !result.Value.Get("feedback").Bool() {
		t.Error("answer does not offer transport-cc feedback")
	}
	if !result.Value.Get("extension").Bool() {
		t.Error("answer does not offer the transport-wide sequence number extension")
	}
}
