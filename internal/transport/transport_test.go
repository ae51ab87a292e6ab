package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTCPTransportListenConnectRoundtrip(t *testing.T) {
	server := NewTCPTransport()
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	var mu sync.Mutex
	var gotOnServer []byte
	serverDone := make(chan struct{}, 1)
	server.SetOnData(func(handle int, data []byte) {
		mu.Lock()
		gotOnServer = append(gotOnServer, data...)
		mu.Unlock()
		serverDone <- struct{}{}
	})

	addr := server.listener.Addr().String()

	client := NewTCPTransport()
	defer client.Close()
	handle, err := client.Connect(context.Background(), addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := []byte(`{"a":1}`)
	if err := client.Send(handle, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received data")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(gotOnServer) != string(msg) {
		t.Fatalf("got %q, want %q", gotOnServer, msg)
	}
}

func TestDialAdapterMatchesMapperDialerShape(t *testing.T) {
	server := NewTCPTransport()
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	client := NewTCPTransport()
	defer client.Close()

	dial := Dial(context.Background(), client)
	handle, err := dial("tcp", server.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if handle == 0 {
		t.Fatal("expected a non-zero connection handle")
	}
}

func TestModuleInterfaceSatisfiedByConcreteTransports(t *testing.T) {
	var _ Module = (*TCPTransport)(nil)
	var _ Module = (*WSTransport)(nil)
	var _ Module = (*ComponentChannel)(nil)
	var _ Module = (*TelegramTransport)(nil)
}
