package server

// HTMLPage is the browser side of the interop test. The browser only
// receives: it answers the server's media with transport feedback and
// receiver reports, which drive the server's congestion controller.
//
// window.interop exposes the call state for automated tests.
const HTMLPage = `<!DOCTYPE html>
<html>
<head>
    <title>GCC Chrome Interop Test</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            max-width: 800px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 { color: #333; margin-bottom: 10px; }
        .subtitle { color: #666; margin-bottom: 30px; }
        button {
            background: #4285f4;
            color: white;
            border: none;
            padding: 12px 24px;
            border-radius: 4px;
            cursor: pointer;
            font-size: 16px;
            margin-right: 10px;
        }
        button:hover { background: #3367d6; }
        button:disabled { background: #ccc; cursor: not-allowed; }
        button.stop { background: #ea4335; }
        button.stop:hover { background: #d93025; }
        #status {
            margin: 20px 0;
            padding: 15px;
            border-radius: 4px;
            font-weight: 500;
        }
        .status-waiting { background: #fff3cd; color: #856404; }
        .status-connecting { background: #cce5ff; color: #004085; }
        .status-connected { background: #d4edda; color: #155724; }
        .status-error { background: #f8d7da; color: #721c24; }
        .status-closed { background: #e2e3e5; color: #383d41; }
        table { border-collapse: collapse; width: 100%; }
        td { padding: 6px 10px; border-bottom: 1px solid #eee; }
        td:first-child { color: #666; width: 40%; }
        .instructions {
            background: #e8f4fc;
            padding: 20px;
            border-radius: 4px;
            margin-top: 20px;
        }
        .instructions h3 { margin-top: 0; color: #1a73e8; }
        .instructions ol { margin-bottom: 0; }
        .instructions code {
            background: #f1f3f4;
            padding: 2px 6px;
            border-radius: 3px;
            font-family: 'SF Mono', Consolas, monospace;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>GCC Chrome Interop Test</h1>
        <p class="subtitle">Chrome receives synthetic video paced by the send-side congestion controller</p>

        <div>
            <button id="startBtn" onclick="startCall()">Start Call</button>
            <button id="stopBtn" onclick="stopCall()" class="stop" disabled>Stop Call</button>
        </div>

        <div id="status" class="status-waiting">Status: Waiting to start</div>

        <table>
            <tr><td>Packets received</td><td id="packets">0</td></tr>
            <tr><td>Bytes received</td><td id="bytes">0</td></tr>
            <tr><td>Server target</td><td id="target">-</td></tr>
            <tr><td>Server feedback reports</td><td id="feedback">-</td></tr>
        </table>

        <div class="instructions">
            <h3>Verification Steps</h3>
            <ol>
                <li>Open <code>chrome://webrtc-internals</code> before starting the call</li>
                <li>Click "Start Call" above</li>
                <li>Check that <code>transport-cc</code> is negotiated in the remote description</li>
                <li>Watch the server target above follow the available bandwidth</li>
                <li>Throttle the network in DevTools and watch the target drop</li>
            </ol>
        </div>
    </div>

    <script>
        let pc = null;
        let statsTimer = null;

        window.interop = {
            connection: 'new',
            packetsReceived: 0,
            bytesReceived: 0,
            error: null
        };

        function setStatus(message, type) {
            const status = document.getElementById('status');
            status.textContent = 'Status: ' + message;
            status.className = 'status-' + type;
        }

        function waitForIceGathering(pc) {
            if (pc.iceGatheringState === 'complete') {
                return Promise.resolve();
            }
            return new Promise(resolve => {
                pc.onicegatheringstatechange = () => {
                    if (pc.iceGatheringState === 'complete') {
                        resolve();
                    }
                };
            });
        }

        async function pollStats() {
            if (!pc) {
                return;
            }
            const report = await pc.getStats();
            report.forEach(s => {
                if (s.type === 'inbound-rtp' && s.kind === 'video') {
                    window.interop.packetsReceived = s.packetsReceived;
                    window.interop.bytesReceived = s.bytesReceived;
                    document.getElementById('packets').textContent = s.packetsReceived;
                    document.getElementById('bytes').textContent = s.bytesReceived;
                }
            });

            try {
                const response = await fetch('/stats');
                const sessions = await response.json();
                if (sessions.length > 0) {
                    const last = sessions[sessions.length - 1];
                    document.getElementById('target').textContent = (last.target / 1000).toFixed(0) + ' kbps';
                    document.getElementById('feedback').textContent = last.stats.FeedbackReport;
                }
            } catch (err) {
                console.error('stats:', err);
            }
        }

        async function startCall() {
            document.getElementById('startBtn').disabled = true;
            document.getElementById('stopBtn').disabled = false;

            try {
                setStatus('Creating connection...', 'connecting');

                pc = new RTCPeerConnection({ iceServers: [] });
                pc.addTransceiver('video', { direction: 'recvonly' });

                pc.onconnectionstatechange = () => {
                    window.interop.connection = pc.connectionState;
                    if (pc.connectionState === 'connected') {
                        setStatus('Connected, receiving media', 'connected');
                    } else if (pc.connectionState === 'failed') {
                        setStatus('Connection failed', 'error');
                    } else if (pc.connectionState === 'disconnected') {
                        setStatus('Disconnected', 'closed');
                    }
                };

                await pc.setLocalDescription(await pc.createOffer());
                await waitForIceGathering(pc);

                setStatus('Sending offer to server...', 'connecting');
                const response = await fetch('/offer', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/json' },
                    body: JSON.stringify(pc.localDescription)
                });
                if (!response.ok) {
                    throw new Error('Server returned ' + response.status);
                }
                await pc.setRemoteDescription(await response.json());

                statsTimer = setInterval(pollStats, 1000);
            } catch (err) {
                window.interop.error = err.message;
                setStatus('Error: ' + err.message, 'error');
                console.error('Error starting call:', err);
                stopCall();
            }
        }

        function stopCall() {
            if (statsTimer) {
                clearInterval(statsTimer);
                statsTimer = null;
            }
            if (pc) {
                pc.close();
                pc = null;
            }
            window.interop.connection = 'closed';
            document.getElementById('startBtn').disabled = false;
            document.getElementById('stopBtn').disabled = true;
            setStatus('Call ended', 'closed');
        }
    </script>
</body>
</html>`
