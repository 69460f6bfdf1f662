package stateless_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parlavo/parlavo/pkg/chat"
	chatmock "github.com/parlavo/parlavo/pkg/chat/mock"
	"github.com/parlavo/parlavo/pkg/transport"
	"github.com/parlavo/parlavo/pkg/transport/stateless"
)

// collect reads n events with a timeout.
func collect(t *testing.T, handle transport.Handle, n int) []transport.Event {
	t.Helper()
	var out []transport.Event
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				t.Fatalf("event stream closed after %d events; want %d", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timeout after %d events; want %d", len(out), n)
		}
	}
	return out
}

func TestConnect_EmitsOpenImmediately(t *testing.T) {
	t.Parallel()

	st := stateless.New(&chatmock.Provider{})
	handle, err := st.Connect(context.Background(), transport.ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	evs := collect(t, handle, 1)
	if evs[0].Type != transport.EventOpen {
		t.Errorf("first event = %v; want open", evs[0].Type)
	}
}

func TestSendText_SynthesisesStreamingShape(t *testing.T) {
	t.Parallel()

	provider := &chatmock.Provider{
		CompleteFunc: func(_ context.Context, req chat.Request) (string, error) {
			return "Très bien ! « La gare » is correct.", nil
		},
	}

	st := stateless.New(provider)
	handle, err := st.Connect(context.Background(), transport.ConnectOptions{
		Instructions: "You are a French tutor.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendText("Je vais à la gare."); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	evs := collect(t, handle, 4)
	want := []transport.EventType{
		transport.EventOpen,
		transport.EventModelTurnStarted,
		transport.EventAssistantTranscript,
		transport.EventTurnComplete,
	}
	for i, w := range want {
		if evs[i].Type != w {
			t.Errorf("event[%d] = %v; want %v", i, evs[i].Type, w)
		}
	}
	if evs[2].Text != "Très bien ! « La gare » is correct." {
		t.Errorf("transcript = %q", evs[2].Text)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d; want 1", len(calls))
	}
	if calls[0].Instructions != "You are a French tutor." {
		t.Errorf("instructions = %q", calls[0].Instructions)
	}
}

func TestSendText_RepliesArriveInSendOrder(t *testing.T) {
	t.Parallel()

	// The first completion is slower than the second; replies must still
	// come back in send order.
	gate := make(chan struct{})
	provider := &chatmock.Provider{
		CompleteFunc: func(_ context.Context, req chat.Request) (string, error) {
			if req.Text == "first" {
				<-gate
			}
			return "reply to " + req.Text, nil
		},
	}

	st := stateless.New(provider)
	handle, err := st.Connect(context.Background(), transport.ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendText("first"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := handle.SendText("second"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	close(gate)

	var replies []string
	deadline := time.After(3 * time.Second)
	for len(replies) < 2 {
		select {
		case ev := <-handle.Events():
			if ev.Type == transport.EventAssistantTranscript {
				replies = append(replies, ev.Text)
			}
		case <-deadline:
			t.Fatalf("timeout; got replies %v", replies)
		}
	}
	if replies[0] != "reply to first" || replies[1] != "reply to second" {
		t.Errorf("replies = %v; want in send order", replies)
	}
}

func TestSendText_ErrorMappedToTransportTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		backend error
		want    error
	}{
		{
			name:    "model unavailable",
			backend: fmt.Errorf("%w: every candidate 404ed", chat.ErrModelUnavailable),
			want:    transport.ErrModelUnavailable,
		},
		{
			name:    "auth invalid",
			backend: fmt.Errorf("%w: bad key", chat.ErrAuthInvalid),
			want:    transport.ErrAuthInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			provider := &chatmock.Provider{
				CompleteFunc: func(context.Context, chat.Request) (string, error) {
					return "", tt.backend
				},
			}
			handle, err := stateless.New(provider).Connect(context.Background(), transport.ConnectOptions{})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer handle.Close()

			if err := handle.SendText("hi"); err != nil {
				t.Fatalf("SendText: %v", err)
			}

			evs := collect(t, handle, 2)
			if evs[1].Type != transport.EventError {
				t.Fatalf("event = %v; want error", evs[1].Type)
			}
			if !errors.Is(evs[1].Err, tt.want) {
				t.Errorf("err = %v; want %v", evs[1].Err, tt.want)
			}
		})
	}
}

func TestSendAudio_NotSupported(t *testing.T) {
	t.Parallel()

	handle, err := stateless.New(&chatmock.Provider{}).Connect(context.Background(), transport.ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendAudio([]byte{1, 2}); err == nil {
		t.Error("SendAudio should not be supported")
	}
}

func TestClose_IdempotentAndRejectsFurtherSends(t *testing.T) {
	t.Parallel()

	handle, err := stateless.New(&chatmock.Provider{}).Connect(context.Background(), transport.ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := handle.SendText("hi"); !errors.Is(err, transport.ErrSessionClosed) {
		t.Errorf("SendText after Close = %v; want ErrSessionClosed", err)
	}

	// The stream eventually closes.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, open := <-handle.Events():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for Events channel to close")
		}
	}
}
