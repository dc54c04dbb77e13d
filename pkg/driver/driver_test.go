package driver

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pgflight/pgflight/pkg/catalog"
	"github.com/pgflight/pgflight/pkg/codec"
	"github.com/pgflight/pgflight/pkg/engine"
	"github.com/pgflight/pgflight/pkg/pgtest"
)

func connectOptions(host string, port uint16) engine.Options {
	return engine.Options{
		Hostname:    host,
		Port:        port,
		Username:    "alice",
		Database:    "testdb",
		DialTimeout: 2 * time.Second,
	}
}

func TestDriverSerializesConcurrentQueries(t *testing.T) {
	script := pgtest.AcceptPlaintextConnSteps()
	script = append(script, pgtest.BackendReadySteps(1, 2)...)
	script = append(script, pgtest.BootstrapSteps()...)
	// Two independent, identically-shaped queries queue up behind the
	// owning goroutine; the mock script only needs one copy of the
	// round trip per caller.
	script = append(script, pgtest.ExtendedQueryNoRowsSteps("BEGIN")...)
	script = append(script, pgtest.ExtendedQueryNoRowsSteps("BEGIN")...)
	script = append(script, pgtest.TerminateSteps()...)

	server := pgtest.NewServer(t, script...)
	defer server.Close()
	go server.Serve()

	host, port := server.Addr()
	registry := catalog.NewRegistry()
	coder := codec.NewCoder(registry, codec.Hooks{})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := Connect(connectOptions(host, port), registry, coder, log)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			if _, err := d.Query("BEGIN", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Query: %v", err)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDriverInTransactionFuncRollsBackOnError(t *testing.T) {
	script := pgtest.AcceptPlaintextConnSteps()
	script = append(script, pgtest.BackendReadySteps(1, 2)...)
	script = append(script, pgtest.BootstrapSteps()...)
	script = append(script, pgtest.ExtendedQueryNoRowsSteps("BEGIN")...)
	script = append(script, pgtest.ExtendedQueryNoRowsSteps("ROLLBACK")...)
	script = append(script, pgtest.TerminateSteps()...)

	server := pgtest.NewServer(t, script...)
	defer server.Close()
	go server.Serve()

	host, port := server.Addr()
	registry := catalog.NewRegistry()
	coder := codec.NewCoder(registry, codec.Hooks{})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := Connect(connectOptions(host, port), registry, coder, log)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sentinel := io.ErrUnexpectedEOF
	err = d.InTransactionFunc(func() error { return sentinel })
	if err != sentinel {
		t.Fatalf("InTransactionFunc error = %v, want %v", err, sentinel)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDriverStopRejectsLateCalls(t *testing.T) {
	script := pgtest.AcceptPlaintextConnSteps()
	script = append(script, pgtest.BackendReadySteps(1, 2)...)
	script = append(script, pgtest.BootstrapSteps()...)
	script = append(script, pgtest.TerminateSteps()...)

	server := pgtest.NewServer(t, script...)
	defer server.Close()
	go server.Serve()

	host, port := server.Addr()
	registry := catalog.NewRegistry()
	coder := codec.NewCoder(registry, codec.Hooks{})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := Connect(connectOptions(host, port), registry, coder, log)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := d.Query("SELECT 1", nil); err != ErrClosed {
		t.Fatalf("Query after Stop = %v, want ErrClosed", err)
	}
}

// TestDriverStopIsSafeToCallTwice covers the common defer-plus-early-return
// pattern: an explicit Stop on an error path followed by a deferred Stop
// must not panic on an already-closed channel.
func TestDriverStopIsSafeToCallTwice(t *testing.T) {
	script := pgtest.AcceptPlaintextConnSteps()
	script = append(script, pgtest.BackendReadySteps(1, 2)...)
	script = append(script, pgtest.BootstrapSteps()...)
	script = append(script, pgtest.TerminateSteps()...)

	server := pgtest.NewServer(t, script...)
	defer server.Close()
	go server.Serve()

	host, port := server.Addr()
	registry := catalog.NewRegistry()
	coder := codec.NewCoder(registry, codec.Hooks{})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := Connect(connectOptions(host, port), registry, coder, log)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := d.Stop(); err != ErrClosed {
		t.Fatalf("second Stop = %v, want ErrClosed", err)
	}
}
