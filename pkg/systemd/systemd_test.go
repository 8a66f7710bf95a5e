package systemd

import (
	"context"
	"testing"
	"time"

	logx "postbot/pkg/logx"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready = %v, %v", sent, err)
	}
	if sent, err := Status("ok"); sent || err != nil {
		t.Fatalf("Status = %v, %v", sent, err)
	}

	done := make(chan struct{})
	go func() {
		Watchdog(context.Background(), logx.Nop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog should return when WATCHDOG_USEC is unset")
	}
}
