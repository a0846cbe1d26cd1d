package agent_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/termtunnel/internal/agent"
	"pkt.systems/termtunnel/internal/termchan"
)

type syncBuffer struct {
	ch chan []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.ch <- append([]byte(nil), p...)
	return len(p), nil
}

// hiddenMessages decodes the agent's stdout into delimited messages.
func hiddenMessages(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	codec := termchan.NewCodec()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-out.ch:
			codec.AppendInput(p)
			codec.Run()
			for {
				msg, err := codec.PopOutput(1 << 16)
				if err != nil {
					t.Fatalf("pop: %v", err)
				}
				if msg == nil {
					break
				}
				if string(msg) == want {
					return
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for hidden %q", want)
		}
	}
}

func TestAgentAnnouncesAndAnswers(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	out := &syncBuffer{ch: make(chan []byte, 4096)}
	ag := agent.New(agent.Options{Stdin: stdinR, Stdout: out})
	done := make(chan error, 1)
	go func() { done <- ag.Run(context.Background()) }()
	t.Cleanup(func() { _ = stdinW.Close() })

	hiddenMessages(t, out, termchan.Magic)

	// Keystroke noise and a line break before the message are discarded.
	if _, err := stdinW.Write([]byte("garbage\nPING!\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	hiddenMessages(t, out, "PING!")

	if _, err := stdinW.Write(termchan.Plain(termchan.Token(termchan.TokenNop))); err != nil {
		t.Fatalf("write: %v", err)
	}
	hiddenMessages(t, out, "NOP!")

	if _, err := stdinW.Write(termchan.Plain(termchan.Token(termchan.TokenExit))); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("agent did not exit")
	}
}

func TestAgentStdinClosed(t *testing.T) {
	ag := agent.New(agent.Options{Stdin: bytes.NewReader(nil), Stdout: io.Discard})
	err := ag.Run(context.Background())
	if !errors.Is(err, agent.ErrStdinClosed) {
		t.Fatalf("expected ErrStdinClosed, got %v", err)
	}
}
