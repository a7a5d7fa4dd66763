package systemd

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestNotify_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	if err := NotifyReady(); err != nil {
		t.Errorf("NotifyReady without a socket should not fail: %v", err)
	}
	if err := NotifyStopping(); err != nil {
		t.Errorf("NotifyStopping without a socket should not fail: %v", err)
	}
}

func TestNotify_SendsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer conn.Close()

	t.Setenv("NOTIFY_SOCKET", path)

	tests := []struct {
		name   string
		send   func() error
		expect string
	}{
		{"ready", NotifyReady, "READY=1"},
		{"watchdog", NotifyWatchdog, "WATCHDOG=1"},
		{"status", func() error { return NotifyStatus("synced 2025-06-10") }, "STATUS=synced 2025-06-10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.send(); err != nil {
				t.Fatalf("notify failed: %v", err)
			}

			buf := make([]byte, 256)
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := conn.Read(buf)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if got := string(buf[:n]); got != tt.expect {
				t.Errorf("Expected %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	if got := WatchdogInterval(); got != 0 {
		t.Errorf("Expected 0 without WATCHDOG_USEC, got %v", got)
	}

	t.Setenv("WATCHDOG_USEC", "30000000")
	t.Setenv("WATCHDOG_PID", "")
	if got := WatchdogInterval(); got != 15*time.Second {
		t.Errorf("Expected 15s, got %v", got)
	}
}

func TestGetListeners_NotActivated(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := GetListeners()
	if err != nil {
		t.Fatalf("GetListeners failed: %v", err)
	}
	if listeners.Activated || listeners.Metrics != nil {
		t.Errorf("Expected no activation, got %+v", listeners)
	}
}
