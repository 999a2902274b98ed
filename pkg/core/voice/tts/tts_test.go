package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestEngine(perWord time.Duration) *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)), WithPerWord(perWord))
}

func TestSynthesizeCompletes(t *testing.T) {
	e := newTestEngine(time.Millisecond)

	var startedID string
	pb, err := e.Synthesize(context.Background(), "s1", "InfoAgent", "hello caller", func(p Playback) {
		startedID = p.ID
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if pb.ID == "" || pb.ID != startedID {
		t.Errorf("playback ID mismatch: %q vs started %q", pb.ID, startedID)
	}
	if pb.SessionID != "s1" || pb.Agent != "InfoAgent" {
		t.Errorf("playback = %+v", pb)
	}
	if e.Active() != 0 {
		t.Errorf("Active = %d after completion", e.Active())
	}
}

func TestStopInterruptsPlayback(t *testing.T) {
	e := newTestEngine(time.Minute)

	startedCh := make(chan Playback, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Synthesize(context.Background(), "s1", "InfoAgent", "a very long response", func(p Playback) {
			startedCh <- p
		})
		errCh <- err
	}()

	pb := <-startedCh
	if !e.Stop(pb.ID) {
		t.Fatal("Stop returned false for active playback")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Synthesize did not return after Stop")
	}
	if e.Stop(pb.ID) {
		t.Error("second Stop should be a no-op")
	}
}

func TestStopUnknownPlayback(t *testing.T) {
	e := newTestEngine(time.Millisecond)
	if e.Stop("no-such-playback") {
		t.Error("Stop of unknown playback should return false")
	}
}

func TestSynthesizeContextCanceled(t *testing.T) {
	e := newTestEngine(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Synthesize(ctx, "s1", "InfoAgent", "long text here", nil)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Synthesize did not return after context cancel")
	}
}
