//go:build e2e

// Package e2e runs the send side against a real Chrome receiver.
//
// A chrome-interop server is started on a random port for every test and
// a headless Chrome, driven through Rod, places a receive-only video call
// to it. The tests then check what only a real browser can confirm: that
// transport-cc is negotiated and that Chrome's transport feedback moves the
// controller's target within its bounds.
//
// The tests are behind the e2e build tag:
//
//	go test -tags=e2e ./e2e/...
package e2e
