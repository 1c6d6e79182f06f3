package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func startRelay(t *testing.T, ctx context.Context, addr string, hub *Hub) *Relay {
	t.Helper()
	r, err := NewRelay(RelayConfig{Addr: addr, Prefix: "test:rt:", Hub: hub})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	go func() { _ = r.Run(ctx) }()
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not subscribe")
	}
	return r
}

func TestRelayDeliversAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubA, hubB := NewHub(), NewHub()
	relayA := startRelay(t, ctx, mr.Addr(), hubA)
	startRelay(t, ctx, mr.Addr(), hubB)

	subA := hubA.Subscribe("ev")
	subB := hubB.Subscribe("ev")
	defer subA.Close()
	defer subB.Close()

	msg, err := Chat("ev", map[string]string{"message": "hello"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if err := relayA.Broadcast(ctx, msg); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for _, sub := range []*Subscription{subA, subB} {
		got := recv(t, sub)
		if got.Type != KindChat || got.Event != "ev" || string(got.Data) != `{"message":"hello"}` {
			t.Fatalf("unexpected message %+v", got)
		}
	}
}

func TestRelayFallsBackToLocalHub(t *testing.T) {
	mr := miniredis.RunT(t)
	hub := NewHub()
	r, err := NewRelay(RelayConfig{Addr: mr.Addr(), Hub: hub})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	defer r.Close()
	sub := hub.Subscribe("ev")
	defer sub.Close()

	if err := r.Broadcast(context.Background(), Update("ev")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got := recv(t, sub); got.Type != KindUpdate {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestNewRelayValidates(t *testing.T) {
	if _, err := NewRelay(RelayConfig{Hub: NewHub()}); err == nil {
		t.Fatalf("expected error without addr")
	}
	if _, err := NewRelay(RelayConfig{Addr: "127.0.0.1:6379"}); err == nil {
		t.Fatalf("expected error without hub")
	}
}
