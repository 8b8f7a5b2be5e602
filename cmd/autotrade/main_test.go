package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSuperviseStopsEngineWhenServerFails(t *testing.T) {
	bindErr := errors.New("listening on :8080: address already in use")
	engineStopped := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- supervise(context.Background(),
			func(ctx context.Context) error {
				<-ctx.Done()
				close(engineStopped)
				return nil
			},
			func(context.Context) error { return bindErr },
		)
	}()

	select {
	case err := <-done:
		if !errors.Is(err, bindErr) {
			t.Errorf("supervise = %v, want the server error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine kept running after the server failed")
	}
	select {
	case <-engineStopped:
	default:
		t.Error("engine context was not cancelled")
	}
}

func TestSuperviseStopsServerWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	serverStopped := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- supervise(ctx,
			func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
			func(ctx context.Context) error {
				<-ctx.Done()
				close(serverStopped)
				return nil
			},
		)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("supervise = %v, want nil on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not return after cancel")
	}
	select {
	case <-serverStopped:
	default:
		t.Error("server was not stopped")
	}
}
