// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.evstore.io/tcp-driver/internal/protocol"
)

var globalChannelID uint64

func nextChannelID() uint64 {
	return atomic.AddUint64(&globalChannelID, 1)
}

// Dialer is used to make network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc is a type implemented by functions that can be used as a
// Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements the Dialer interface.
func (df DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return df(ctx, network, address)
}

// DefaultDialer is the Dialer used when the configuration supplies none.
var DefaultDialer Dialer = &net.Dialer{}

// ChannelError wraps a transport failure with the channel it occurred on.
type ChannelError struct {
	ChannelID uint64
	Wrapped   error
	message   string
}

func (e ChannelError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("channel %d: %s: %s", e.ChannelID, e.message, e.Wrapped)
	}
	return fmt.Sprintf("channel %d: %s", e.ChannelID, e.message)
}

// Unwrap returns the underlying error.
func (e ChannelError) Unwrap() error { return e.Wrapped }

// channel is one live framed TCP (optionally TLS) connection. Only the
// driver writes to it; reads happen on a dedicated loop goroutine that hands
// decoded packages back to the driver.
type channel struct {
	id       uint64
	endpoint *net.TCPAddr
	conn     net.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
}

// dial opens a channel to addr, layering TLS when tlsConfig is non-nil.
func dial(ctx context.Context, d Dialer, addr *net.TCPAddr, tlsConfig *tls.Config, connectTimeout time.Duration) (*channel, error) {
	if d == nil {
		d = DefaultDialer
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	nc, err := d.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	if tlsConfig != nil {
		nc, err = configureTLS(ctx, nc, addr, tlsConfig)
		if err != nil {
			return nil, err
		}
	}

	return &channel{
		id:       nextChannelID(),
		endpoint: addr,
		conn:     nc,
	}, nil
}

// configureTLS layers a client TLS session over nc. The config's ServerName
// is left as configured; when empty it is derived from the endpoint.
func configureTLS(ctx context.Context, nc net.Conn, addr *net.TCPAddr, config *tls.Config) (net.Conn, error) {
	cfg := config.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = addr.IP.String()
	}

	client := tls.Client(nc, cfg)
	errChan := make(chan error, 1)
	go func() {
		errChan <- client.HandshakeContext(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			nc.Close()
			return nil, err
		}
	case <-ctx.Done():
		nc.Close()
		return nil, errors.New("connection cancelled during TLS handshake")
	}
	return client, nil
}

// WritePackage frames and writes pkg. Concurrent writers are serialized.
func (c *channel) WritePackage(pkg *protocol.Package) error {
	if c.closed.Load() {
		return ChannelError{ChannelID: c.id, message: "channel is closed"}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return ChannelError{ChannelID: c.id, Wrapped: err, message: "failed to set write deadline"}
		}
	}
	if err := protocol.WriteFrame(c.conn, pkg); err != nil {
		c.Close()
		return ChannelError{ChannelID: c.id, Wrapped: err, message: "failed to write frame"}
	}
	return nil
}

// startReadLoop decodes frames until the connection fails or is closed,
// delivering each package to onPackage and the terminal error to onError.
func (c *channel) startReadLoop(onPackage func(*channel, *protocol.Package), onError func(*channel, error)) {
	go func() {
		for {
			pkg, err := protocol.ReadFrame(c.conn)
			if err != nil {
				if !c.closed.Load() {
					onError(c, ChannelError{ChannelID: c.id, Wrapped: err, message: "read loop failed"})
				}
				return
			}
			onPackage(c, pkg)
		}
	}()
}

// Close shuts the channel down. Subsequent writes fail and the read loop
// terminates silently.
func (c *channel) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}
