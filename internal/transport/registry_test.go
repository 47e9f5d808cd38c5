package transport

import "testing"

func TestRegistryNoLeakAfterManyOperations(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < 1000; i++ {
		ch := NewChannelID()
		slot, dereg := r.RegisterResponse(ch)

		delivered := r.Route(Response(ch, Envelope{Status: StatusOk, Data: []byte("{}")}))
		if !delivered {
			t.Fatalf("iteration %d: response not delivered", i)
		}

		select {
		case env := <-slot:
			if env.Status != StatusOk {
				t.Fatalf("iteration %d: status = %v", i, env.Status)
			}
		default:
			t.Fatalf("iteration %d: nothing queued on slot", i)
		}

		dereg()
	}

	responses, terminals := r.Len()
	if responses != 0 || terminals != 0 {
		t.Fatalf("registry leaked entries: responses=%d terminals=%d", responses, terminals)
	}
}

func TestRegistryUnknownChannelDropsFrame(t *testing.T) {
	r := NewRegistry()
	ch := NewChannelID()

	if r.Route(Response(ch, Envelope{Status: StatusOk})) {
		t.Fatalf("expected undelivered frame for unregistered channel")
	}
}

func TestRegistryTerminalErrFrameIsNonFatal(t *testing.T) {
	r := NewRegistry()
	ch := NewChannelID()
	slot, dereg := r.RegisterTerminal(ch)
	defer dereg()

	if !r.Route(TerminalErr(ch, "resize failed")) {
		t.Fatal("error frame not delivered")
	}

	frame := <-slot
	if frame.Ok {
		t.Fatal("expected Ok=false for an error frame")
	}
	if frame.Err != nil {
		t.Fatalf("per-frame error must not set the fatal Err field, got %v", frame.Err)
	}
	if string(frame.Data) != "resize failed" {
		t.Fatalf("data = %q", frame.Data)
	}

	// The channel is still live for ordinary traffic.
	if !r.Route(TerminalOkMsg(ch, []byte("still here"))) {
		t.Fatal("channel should remain registered after an error frame")
	}
}

func TestRegistryDrainAllDeliversConnectionClosed(t *testing.T) {
	r := NewRegistry()
	ch := NewChannelID()
	slot, _ := r.RegisterResponse(ch)

	tch := NewChannelID()
	tslot, _ := r.RegisterTerminal(tch)

	r.DrainAll()

	select {
	case env := <-slot:
		if env.Status != StatusErr {
			t.Fatalf("status = %v, want StatusErr", env.Status)
		}
		if string(env.Data) != ErrConnectionClosed.Error() {
			t.Fatalf("data = %q", env.Data)
		}
	default:
		t.Fatalf("expected drained response on socket drop")
	}

	select {
	case frame := <-tslot:
		if frame.Err != ErrConnectionClosed {
			t.Fatalf("err = %v, want ErrConnectionClosed", frame.Err)
		}
	default:
		t.Fatalf("expected drained terminal frame on socket drop")
	}

	responses, terminals := r.Len()
	if responses != 0 || terminals != 0 {
		t.Fatalf("expected empty registries after drain, got responses=%d terminals=%d", responses, terminals)
	}
}

func TestRegistryPendingDoesNotTerminateChannel(t *testing.T) {
	r := NewRegistry()
	ch := NewChannelID()
	slot, dereg := r.RegisterResponse(ch)
	defer dereg()

	r.Route(Response(ch, Envelope{Status: StatusPending}))
	r.Route(Response(ch, Envelope{Status: StatusPending}))

	for i := 0; i < 2; i++ {
		env := <-slot
		if env.Status != StatusPending {
			t.Fatalf("expected Pending, got %v", env.Status)
		}
	}

	responses, _ := r.Len()
	if responses != 1 {
		t.Fatalf("channel should still be registered after Pending frames, responses=%d", responses)
	}

	r.Route(Response(ch, Envelope{Status: StatusOk, Data: []byte("\"done\"")}))
	final := <-slot
	if final.Status != StatusOk {
		t.Fatalf("final status = %v", final.Status)
	}
}
