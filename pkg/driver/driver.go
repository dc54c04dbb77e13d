// Package driver wraps the single-threaded protocol engine with a
// goroutine that owns it exclusively, so that callers on different
// goroutines can share one session safely.
package driver

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pgflight/pgflight/pkg/catalog"
	"github.com/pgflight/pgflight/pkg/codec"
	"github.com/pgflight/pgflight/pkg/engine"
)

// ErrClosed is returned by any call made after Stop.
var ErrClosed = errors.New("driver: connection is closed")

type call struct {
	run    func(*engine.Engine) (any, error)
	result chan callResult
}

type callResult struct {
	value any
	err   error
}

// Driver is a single session, safe for concurrent use. Exactly one
// goroutine ever touches the underlying engine.Engine; every exported
// method here hands its work to that goroutine over a channel and waits
// for the answer.
type Driver struct {
	calls    chan call
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Connect dials and authenticates a new session, then starts the owning
// goroutine. types and coder are typically catalog.NewRegistry() and
// codec.NewCoder(registry, hooks); log defaults to slog.Default() when nil.
func Connect(opts engine.Options, types catalog.Types, coder *codec.Coder, log *slog.Logger) (*Driver, error) {
	e := engine.New(types, coder, log)
	if err := e.Connect(opts); err != nil {
		return nil, err
	}

	d := &Driver{
		calls: make(chan call),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go d.loop(e)
	return d, nil
}

// loop is the only goroutine that ever touches e. calls stays open for
// the Driver's lifetime, closed over neither by Stop nor by loop itself,
// so a racing caller's send never panics against a closed channel; stop
// is the sole shutdown signal.
func (d *Driver) loop(e *engine.Engine) {
	defer close(d.done)
	for {
		select {
		case c := <-d.calls:
			value, err := c.run(e)
			c.result <- callResult{value: value, err: err}
		case <-d.stop:
			return
		}
	}
}

func (d *Driver) do(run func(*engine.Engine) (any, error)) (any, error) {
	result := make(chan callResult, 1)
	select {
	case d.calls <- call{run: run, result: result}:
	case <-d.done:
		return nil, ErrClosed
	}
	select {
	case r := <-result:
		return r.value, r.err
	case <-d.done:
		return nil, ErrClosed
	}
}

// Query runs sql with the given positional parameters.
func (d *Driver) Query(sql string, params []any) (*engine.Result, error) {
	v, err := d.do(func(e *engine.Engine) (any, error) {
		return e.Query(sql, params)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*engine.Result), nil
}

// Parameters returns the server-reported run-time parameters as of the
// last message the engine processed.
func (d *Driver) Parameters() (map[string]string, error) {
	v, err := d.do(func(e *engine.Engine) (any, error) {
		return e.Parameters(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

// Begin opens a transaction, or a nested savepoint if one is already open.
func (d *Driver) Begin() error {
	_, err := d.do(func(e *engine.Engine) (any, error) {
		return nil, e.Begin()
	})
	return err
}

// Commit closes the innermost transaction or savepoint.
func (d *Driver) Commit() error {
	_, err := d.do(func(e *engine.Engine) (any, error) {
		return nil, e.Commit()
	})
	return err
}

// Rollback aborts the innermost transaction or savepoint.
func (d *Driver) Rollback() error {
	_, err := d.do(func(e *engine.Engine) (any, error) {
		return nil, e.Rollback()
	})
	return err
}

// InTransaction reports whether a transaction is currently open.
func (d *Driver) InTransaction() (bool, error) {
	v, err := d.do(func(e *engine.Engine) (any, error) {
		return e.InTransaction(), nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// InTransactionFunc runs fn inside Begin/Commit, rolling back if fn
// returns an error and propagating that error to the caller afterward.
func (d *Driver) InTransactionFunc(fn func() error) error {
	if err := d.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_ = d.Rollback()
		return err
	}
	return d.Commit()
}

// Stop closes the session and stops the owning goroutine. Safe to call more
// than once (including via a deferred call alongside an earlier explicit
// call on an error path): only the first call actually closes the session;
// every call after the first returns ErrClosed once the owning goroutine has
// exited, instead of panicking on an already-closed stop channel.
func (d *Driver) Stop() error {
	var err error
	ran := false
	d.stopOnce.Do(func() {
		ran = true
		_, err = d.do(func(e *engine.Engine) (any, error) {
			return nil, e.Close()
		})
		close(d.stop)
	})
	<-d.done
	if !ran {
		return ErrClosed
	}
	return err
}
