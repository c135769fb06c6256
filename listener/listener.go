// Package listener wraps the TCP listener used by the relay's HTTP server.
package listener

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = time.Second
)

// ResilientListener wraps net.Listener so that recoverable Accept errors, such as running
// out of file descriptors or a connection reset before accept, do not stop the server.
// Consecutive failures are retried with an exponential backoff capped at one second.
type ResilientListener struct {
	net.Listener
	logger zerolog.Logger
	sleep  func(time.Duration)
}

// New wraps listenerToWrap. Rejected connections are logged at warn level on logger.
func New(listenerToWrap net.Listener, logger zerolog.Logger) *ResilientListener {
	return &ResilientListener{
		Listener: listenerToWrap,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// Listen opens a TCP listener on address:port and wraps it.
func Listen(address string, port string, logger zerolog.Logger) (*ResilientListener, error) {
	rawListener, err := net.Listen("tcp", net.JoinHostPort(address, port))
	if err != nil {
		return nil, fmt.Errorf("setting up listener on address:port %s:%s : %w", address, port, err)
	}
	return New(rawListener, logger), nil
}

// Accept returns the next connection. Only a closed listener ends the loop.
func (l *ResilientListener) Accept() (net.Conn, error) {
	var backoff time.Duration
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, err
			}

			if backoff == 0 {
				backoff = minBackoff
			} else {
				backoff *= 2
			}
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

			l.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("recoverable listener error, connection rejected")
			l.sleep(backoff)
			continue
		}
		return conn, nil
	}
}
