//
// Copyright 2015 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package graceful wraps net.Listener so a source's TCP accept loop
// can be stopped from another goroutine (daemon.Supervisor.Drain,
// spec.md §5) without racing Accept, and so the open-connection count
// is visible to the internal self-stats channel (SPEC_FULL.md §12).
package graceful

import (
	"net"
	"sync/atomic"
	"syscall"
)

// open counts TCP connections accepted by any Listener in this
// process that have not yet been closed. source.Self reads it via
// OpenConnections to emit a cernan.net.tcp_connections gauge.
var open int64

// OpenConnections reports how many TCP connections, across every
// graceful.Listener in the process, are currently accepted but not
// yet closed.
func OpenConnections() int64 {
	return atomic.LoadInt64(&open)
}

type gracefulConn struct {
	net.Conn
	closed int32
}

func (w *gracefulConn) Close() error {
	err := w.Conn.Close()
	if atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		atomic.AddInt64(&open, -1)
	}
	return err
}

// Listener stops Accept from a concurrent Close call, the way
// statsd/graphite/native sources need to during drain-mode shutdown:
// net.Listener.Close alone only unblocks a pending Accept, it doesn't
// signal whether that unblock was a deliberate stop or a real error.
type Listener struct {
	net.Listener
	stop    chan error
	stopped bool
}

func NewListener(l net.Listener) (gl *Listener) {
	gl = &Listener{Listener: l, stop: make(chan error)}
	go func() {
		<-gl.stop
		gl.stopped = true
		gl.stop <- gl.Listener.Close()
	}()
	return
}

func (gl *Listener) Close() error {
	if gl.stopped {
		return syscall.EINVAL
	}
	gl.stop <- nil
	return <-gl.stop
}

func (gl *Listener) Accept() (c net.Conn, err error) {
	raw, err := gl.Listener.Accept()
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&open, 1)
	return &gracefulConn{Conn: raw}, nil
}
