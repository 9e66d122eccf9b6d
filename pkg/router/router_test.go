package router

import (
	"errors"
	"testing"
)

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	r := New(nil)
	var gotSender string
	var gotPayload map[string]any
	r.Register("HELLO", func(sender string, payload map[string]any) (any, error) {
		gotSender = sender
		gotPayload = payload
		return "ack", nil
	})

	result, err := r.Dispatch("node-abc", Message{Command: "HELLO", Payload: map[string]any{"name": "alice"}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result != "ack" {
		t.Fatalf("result = %v, want ack", result)
	}
	if gotSender != "node-abc" || gotPayload["name"] != "alice" {
		t.Fatalf("handler saw sender=%q payload=%v", gotSender, gotPayload)
	}
}

func TestUnknownCommandIsNotAnError(t *testing.T) {
	r := New(nil)
	result, err := r.Dispatch("node-abc", Message{Command: "FILE_CHUNK"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result != nil {
		t.Fatalf("result = %v, want nil", result)
	}
}

func TestHandlerErrorPropagates(t *testing.T) {
	r := New(nil)
	sentinel := errors.New("handler broke")
	r.Register("TEXT", func(string, map[string]any) (any, error) { return nil, sentinel })

	_, err := r.Dispatch("node-abc", Message{Command: "TEXT"})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
}

func TestRegisterReplacesAndUnregisterRemoves(t *testing.T) {
	r := New(nil)
	r.Register("X", func(string, map[string]any) (any, error) { return 1, nil })
	r.Register("X", func(string, map[string]any) (any, error) { return 2, nil })

	result, _ := r.Dispatch("s", Message{Command: "X"})
	if result != 2 {
		t.Fatalf("result = %v, want 2 (replaced handler)", result)
	}

	r.Unregister("X")
	if r.HasHandler("X") {
		t.Fatal("handler still present after Unregister")
	}
}
