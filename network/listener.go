package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// Listener accepts inbound TCP connections and hands them out on a channel.
type Listener struct {
	listener net.Listener

	conns chan net.Conn
	errs  chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string) (*Listener, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener: listener,
		conns:    make(chan net.Conn, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if tcp, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Conns returns accepted connections. Receivers own and must close them.
func (l *Listener) Conns() <-chan net.Conn {
	return l.conns
}

// Errors returns asynchronous accept errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and closes both channels.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.conns)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			select {
			case l.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		select {
		case l.conns <- conn:
		case <-l.closed:
			_ = conn.Close()
			return
		}
	}
}
