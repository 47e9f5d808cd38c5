package transport

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestEncodeDecodeRoundTripOk(t *testing.T) {
	ch := NewChannelID()
	frame := EncodeOk(ch, map[string]string{"hello": "world"})

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != KindResponse {
		t.Fatalf("kind = %v, want KindResponse", msg.Kind)
	}
	if msg.Channel != ch {
		t.Fatalf("channel mismatch")
	}
	if msg.Envelope.Status != StatusOk {
		t.Fatalf("status = %v, want StatusOk", msg.Envelope.Status)
	}
	if !bytes.Contains(msg.Envelope.Data, []byte("world")) {
		t.Fatalf("data = %s, missing payload", msg.Envelope.Data)
	}
}

func TestEncodeDecodeRoundTripPending(t *testing.T) {
	ch := NewChannelID()
	frame := Encode(Response(ch, Envelope{Status: StatusPending}))

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Envelope.Status != StatusPending {
		t.Fatalf("status = %v, want StatusPending", msg.Envelope.Status)
	}
	if len(msg.Envelope.Data) != 0 {
		t.Fatalf("pending envelope should carry no data, got %q", msg.Envelope.Data)
	}
}

func TestEncodeErrPreservesCauseChainOrder(t *testing.T) {
	root := errors.New("disk full")
	wrapped := fmt.Errorf("write journal: %w", root)
	wrapped2 := fmt.Errorf("sync journal: %w", wrapped)

	ch := NewChannelID()
	frame := EncodeErr(ch, wrapped2)

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Envelope.Status != StatusErr {
		t.Fatalf("status = %v, want StatusErr", msg.Envelope.Status)
	}

	got := string(msg.Envelope.Data)
	wantOrder := []string{"sync journal", "write journal", "disk full"}
	lastIdx := -1
	for _, want := range wantOrder {
		idx := bytes.Index([]byte(got), []byte(want))
		if idx == -1 {
			t.Fatalf("cause chain %q missing segment %q", got, want)
		}
		if idx <= lastIdx {
			t.Fatalf("cause chain %q has segments out of order", got)
		}
		lastIdx = idx
	}
}

func TestDecodeMalformedFrameFails(t *testing.T) {
	cases := [][]byte{
		{},
		{byte(KindResponse)},               // no channel, no status
		append(make([]byte, 16), byte(KindResponse)), // channel but no status byte
		{99},                               // unknown discriminator, no payload
	}
	for i, frame := range cases {
		if _, err := Decode(frame); err == nil {
			t.Fatalf("case %d: expected decode error, got nil", i)
		}
	}
}

func TestEncodeDecodeTerminal(t *testing.T) {
	ch := NewChannelID()
	frame := Encode(TerminalOkMsg(ch, []byte("hello\n")))

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != KindTerminal || !msg.TerminalOk {
		t.Fatalf("unexpected terminal decode: %+v", msg)
	}
	if string(msg.TerminalData) != "hello\n" {
		t.Fatalf("data = %q", msg.TerminalData)
	}

	errFrame := Encode(TerminalErr(ch, "pty exited"))
	errMsg, err := Decode(errFrame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if errMsg.TerminalOk {
		t.Fatalf("expected error terminal frame")
	}
	if string(errMsg.TerminalData) != "pty exited" {
		t.Fatalf("data = %q", errMsg.TerminalData)
	}
}

func TestEncodeDecodeLoginFrames(t *testing.T) {
	frame := Encode(Message{Kind: KindLoginV1PasskeyFlow, PasskeyFlow: true})
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !msg.PasskeyFlow {
		t.Fatalf("expected PasskeyFlow=true")
	}

	frame = Encode(Message{Kind: KindLoginError, ErrMessage: "unknown peer"})
	msg, err = Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ErrMessage != "unknown peer" {
		t.Fatalf("ErrMessage = %q", msg.ErrMessage)
	}
}
