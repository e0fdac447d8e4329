// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/youmark/pkcs8"
)

// UserCredentials carry a login and password, either as the connection
// default or as a per-operation override.
type UserCredentials struct {
	Login    string
	Password string
}

// TLSSettings configures the optional TLS layer.
type TLSSettings struct {
	// Enabled switches the channel to TLS.
	Enabled bool
	// TargetHost is the name the server certificate must present. When
	// empty the endpoint address is used.
	TargetHost string
	// VerifyServer, when false, disables certificate verification entirely.
	// That mode is insecure and intended for development setups.
	VerifyServer bool
	// CAFile optionally points at a PEM bundle of roots to trust instead of
	// the system pool.
	CAFile string
	// ClientCertFile and ClientKeyFile optionally hold a PEM client
	// certificate and key. An encrypted PKCS#8 key is decrypted with
	// ClientKeyPassword.
	ClientCertFile    string
	ClientKeyFile     string
	ClientKeyPassword string
}

// Settings is the immutable configuration of a Connection. Build one with a
// SettingsBuilder.
type Settings struct {
	// Address is the single node to connect to, as host:port. Empty when
	// cluster discovery is configured.
	Address string
	// GossipSeeds are HTTP gossip endpoints for cluster discovery. Empty
	// when a static address is configured.
	GossipSeeds []string

	ConnectionName     string
	DefaultCredentials *UserCredentials
	TLS                TLSSettings

	ReconnectionDelay             time.Duration
	HeartbeatInterval             time.Duration
	HeartbeatTimeout              time.Duration
	ConnectTimeout                time.Duration
	RequireMaster                 bool
	OperationTimeout              time.Duration
	OperationTimeoutCheckInterval time.Duration
	MaxOperationQueueSize         int
	MaxConcurrentOperations       int
	MaxOperationRetries           int
	MaxReconnections              int

	PersistentSubscriptionBufferSize     int
	PersistentSubscriptionAutoAckEnabled bool
	FailOnNoServerResponse               bool

	ClusterDiscoveryAttempts int
	ClusterDiscoveryInterval time.Duration
	GossipTimeout            time.Duration
}

// SettingsBuilder assembles Settings. The zero defaults match the protocol
// documentation; every setter returns the builder for chaining.
type SettingsBuilder struct {
	s Settings
}

// NewSettingsBuilder creates a builder preloaded with defaults.
func NewSettingsBuilder() *SettingsBuilder {
	return &SettingsBuilder{s: Settings{
		ConnectionName:                "",
		ReconnectionDelay:             time.Second,
		HeartbeatInterval:             500 * time.Millisecond,
		HeartbeatTimeout:              1500 * time.Millisecond,
		ConnectTimeout:                time.Second,
		RequireMaster:                 true,
		OperationTimeout:              7 * time.Second,
		OperationTimeoutCheckInterval: time.Second,
		MaxOperationQueueSize:         5000,
		MaxConcurrentOperations:       5000,
		MaxOperationRetries:           10,
		MaxReconnections:              10,

		PersistentSubscriptionBufferSize:     10,
		PersistentSubscriptionAutoAckEnabled: true,
		FailOnNoServerResponse:               false,

		ClusterDiscoveryAttempts: 10,
		ClusterDiscoveryInterval: 500 * time.Millisecond,
		GossipTimeout:            time.Second,
	}}
}

// Address sets the single node to connect to.
func (b *SettingsBuilder) Address(hostport string) *SettingsBuilder {
	b.s.Address = hostport
	return b
}

// GossipSeeds sets cluster discovery seeds.
func (b *SettingsBuilder) GossipSeeds(seeds ...string) *SettingsBuilder {
	b.s.GossipSeeds = append([]string(nil), seeds...)
	return b
}

// ConnectionName names the connection for server-side diagnostics.
func (b *SettingsBuilder) ConnectionName(name string) *SettingsBuilder {
	b.s.ConnectionName = name
	return b
}

// DefaultCredentials sets credentials attached to every package unless an
// operation overrides them.
func (b *SettingsBuilder) DefaultCredentials(login, password string) *SettingsBuilder {
	b.s.DefaultCredentials = &UserCredentials{Login: login, Password: password}
	return b
}

// TLS configures the TLS layer.
func (b *SettingsBuilder) TLS(settings TLSSettings) *SettingsBuilder {
	b.s.TLS = settings
	return b
}

// ReconnectionDelay sets the backoff before each reconnect attempt.
func (b *SettingsBuilder) ReconnectionDelay(d time.Duration) *SettingsBuilder {
	b.s.ReconnectionDelay = d
	return b
}

// HeartbeatInterval sets the idle time before a heartbeat request is sent.
func (b *SettingsBuilder) HeartbeatInterval(d time.Duration) *SettingsBuilder {
	b.s.HeartbeatInterval = d
	return b
}

// HeartbeatTimeout sets how long to await a heartbeat acknowledgement.
func (b *SettingsBuilder) HeartbeatTimeout(d time.Duration) *SettingsBuilder {
	b.s.HeartbeatTimeout = d
	return b
}

// ConnectTimeout bounds the TCP dial.
func (b *SettingsBuilder) ConnectTimeout(d time.Duration) *SettingsBuilder {
	b.s.ConnectTimeout = d
	return b
}

// RequireMaster demands operations execute on the cluster master.
func (b *SettingsBuilder) RequireMaster(require bool) *SettingsBuilder {
	b.s.RequireMaster = require
	return b
}

// OperationTimeout sets the per-attempt operation timeout.
func (b *SettingsBuilder) OperationTimeout(d time.Duration) *SettingsBuilder {
	b.s.OperationTimeout = d
	return b
}

// OperationTimeoutCheckInterval sets the timeout sweep cadence.
func (b *SettingsBuilder) OperationTimeoutCheckInterval(d time.Duration) *SettingsBuilder {
	b.s.OperationTimeoutCheckInterval = d
	return b
}

// LimitOperationQueue bounds the waiting operation queue.
func (b *SettingsBuilder) LimitOperationQueue(size int) *SettingsBuilder {
	b.s.MaxOperationQueueSize = size
	return b
}

// LimitConcurrentOperations bounds in-flight operations.
func (b *SettingsBuilder) LimitConcurrentOperations(size int) *SettingsBuilder {
	b.s.MaxConcurrentOperations = size
	return b
}

// LimitOperationRetries bounds retries per operation; -1 is unlimited.
func (b *SettingsBuilder) LimitOperationRetries(n int) *SettingsBuilder {
	b.s.MaxOperationRetries = n
	return b
}

// LimitReconnections bounds reconnect attempts; -1 is unlimited.
func (b *SettingsBuilder) LimitReconnections(n int) *SettingsBuilder {
	b.s.MaxReconnections = n
	return b
}

// PersistentSubscriptionBufferSize sets the client-side buffer for group
// consumers.
func (b *SettingsBuilder) PersistentSubscriptionBufferSize(size int) *SettingsBuilder {
	b.s.PersistentSubscriptionBufferSize = size
	return b
}

// PersistentSubscriptionAutoAck toggles automatic acknowledgement after a
// successful event callback.
func (b *SettingsBuilder) PersistentSubscriptionAutoAck(enabled bool) *SettingsBuilder {
	b.s.PersistentSubscriptionAutoAckEnabled = enabled
	return b
}

// FailOnNoServerResponse makes operation timeouts fail instead of retrying.
func (b *SettingsBuilder) FailOnNoServerResponse(fail bool) *SettingsBuilder {
	b.s.FailOnNoServerResponse = fail
	return b
}

// ClusterDiscoveryAttempts bounds gossip discovery rounds; -1 is unlimited.
func (b *SettingsBuilder) ClusterDiscoveryAttempts(n int) *SettingsBuilder {
	b.s.ClusterDiscoveryAttempts = n
	return b
}

// Build validates and returns the settings.
func (b *SettingsBuilder) Build() (Settings, error) {
	s := b.s

	if s.Address == "" && len(s.GossipSeeds) == 0 {
		return Settings{}, errors.New("settings: either a node address or gossip seeds are required")
	}
	if s.Address != "" && len(s.GossipSeeds) > 0 {
		return Settings{}, errors.New("settings: a static address and gossip seeds are mutually exclusive")
	}
	if s.Address != "" {
		if _, _, err := net.SplitHostPort(s.Address); err != nil {
			return Settings{}, fmt.Errorf("settings: invalid address %q: %w", s.Address, err)
		}
	}

	for name, d := range map[string]time.Duration{
		"reconnection delay":               s.ReconnectionDelay,
		"heartbeat interval":               s.HeartbeatInterval,
		"heartbeat timeout":                s.HeartbeatTimeout,
		"connect timeout":                  s.ConnectTimeout,
		"operation timeout":                s.OperationTimeout,
		"operation timeout check interval": s.OperationTimeoutCheckInterval,
		"cluster discovery interval":       s.ClusterDiscoveryInterval,
		"gossip timeout":                   s.GossipTimeout,
	} {
		if d <= 0 {
			return Settings{}, fmt.Errorf("settings: %s must be positive", name)
		}
	}

	if s.MaxOperationQueueSize <= 0 {
		return Settings{}, errors.New("settings: operation queue size must be positive")
	}
	if s.MaxConcurrentOperations <= 0 {
		return Settings{}, errors.New("settings: concurrent operation bound must be positive")
	}
	if s.MaxOperationRetries < -1 {
		return Settings{}, errors.New("settings: operation retries must be -1 or above")
	}
	if s.MaxReconnections < -1 {
		return Settings{}, errors.New("settings: reconnections must be -1 or above")
	}
	if s.PersistentSubscriptionBufferSize <= 0 {
		return Settings{}, errors.New("settings: persistent subscription buffer size must be positive")
	}
	if s.ClusterDiscoveryAttempts < -1 {
		return Settings{}, errors.New("settings: cluster discovery attempts must be -1 or above")
	}
	if s.DefaultCredentials != nil && s.DefaultCredentials.Login == "" {
		return Settings{}, errors.New("settings: default credentials require a login")
	}

	return s, nil
}

// tlsConfig materializes the TLS settings, loading certificate material from
// disk. It returns nil when TLS is disabled.
func (s *Settings) tlsConfig() (*tls.Config, error) {
	if !s.TLS.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         s.TLS.TargetHost,
		InsecureSkipVerify: !s.TLS.VerifyServer,
		MinVersion:         tls.VersionTLS12,
	}

	if s.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(s.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("settings: reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("settings: no certificates found in %q", s.TLS.CAFile)
		}
		cfg.RootCAs = pool
	}

	if s.TLS.ClientCertFile != "" {
		cert, err := loadClientCertificate(s.TLS.ClientCertFile, s.TLS.ClientKeyFile, s.TLS.ClientKeyPassword)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// loadClientCertificate reads a PEM certificate/key pair, decrypting an
// encrypted PKCS#8 key with password when necessary.
func loadClientCertificate(certFile, keyFile, password string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("settings: reading client certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("settings: reading client key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, errors.New("settings: client key contains no PEM block")
	}

	if block.Type == "ENCRYPTED PRIVATE KEY" {
		if password == "" {
			return tls.Certificate{}, errors.New("settings: client key is encrypted but no password was supplied")
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("settings: decrypting client key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("settings: re-encoding client key: %w", err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("settings: assembling client certificate: %w", err)
	}
	return cert, nil
}
