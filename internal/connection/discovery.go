// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NodeEndpoints is the result of endpoint discovery: the node's plain and,
// when advertised, TLS-terminated TCP endpoints.
type NodeEndpoints struct {
	TCPEndpoint       *net.TCPAddr
	SecureTCPEndpoint *net.TCPAddr
}

// EndpointDiscoverer yields a healthy node to connect to. failed is the
// endpoint the previous channel was connected to, or nil on first connect;
// discoverers should avoid handing it straight back when alternatives exist.
type EndpointDiscoverer interface {
	Discover(ctx context.Context, failed *net.TCPAddr) (NodeEndpoints, error)
}

// StaticEndpointDiscoverer always yields the single configured node.
type StaticEndpointDiscoverer struct {
	Endpoint *net.TCPAddr
	Secure   bool
}

// Discover implements the EndpointDiscoverer interface.
func (d *StaticEndpointDiscoverer) Discover(context.Context, *net.TCPAddr) (NodeEndpoints, error) {
	if d.Secure {
		return NodeEndpoints{SecureTCPEndpoint: d.Endpoint}, nil
	}
	return NodeEndpoints{TCPEndpoint: d.Endpoint}, nil
}

// ClusterConfig configures gossip-seed cluster discovery.
type ClusterConfig struct {
	// GossipSeeds are HTTP endpoints serving the cluster gossip document.
	GossipSeeds []string
	// MaxDiscoverAttempts bounds discovery rounds; -1 means unlimited.
	MaxDiscoverAttempts int
	// DiscoverAttemptInterval is the pause between rounds.
	DiscoverAttemptInterval time.Duration
	// GossipTimeout bounds each seed probe.
	GossipTimeout time.Duration
}

// ClusterEndpointDiscoverer probes gossip seeds in parallel and picks the
// best-ranked alive member.
type ClusterEndpointDiscoverer struct {
	cfg    ClusterConfig
	client *http.Client
}

// NewClusterEndpointDiscoverer creates a discoverer from cfg.
func NewClusterEndpointDiscoverer(cfg ClusterConfig) *ClusterEndpointDiscoverer {
	return &ClusterEndpointDiscoverer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.GossipTimeout},
	}
}

type gossipMember struct {
	State                 string `json:"state"`
	IsAlive               bool   `json:"isAlive"`
	ExternalTCPIP         string `json:"externalTcpIp"`
	ExternalTCPPort       int    `json:"externalTcpPort"`
	ExternalSecureTCPPort int    `json:"externalSecureTcpPort"`
}

type gossipResponse struct {
	Members []gossipMember `json:"members"`
}

// memberRank orders member states best-first. Unlisted states are not
// eligible.
var memberRank = map[string]int{
	"Master":       1,
	"PreMaster":    2,
	"Slave":        3,
	"Clone":        4,
	"CatchingUp":   5,
	"PreReplica":   6,
	"Unknown":      7,
	"Initializing": 8,
}

// Discover implements the EndpointDiscoverer interface.
func (d *ClusterEndpointDiscoverer) Discover(ctx context.Context, failed *net.TCPAddr) (NodeEndpoints, error) {
	for attempt := 1; d.cfg.MaxDiscoverAttempts < 0 || attempt <= d.cfg.MaxDiscoverAttempts; attempt++ {
		endpoints, err := d.discoverOnce(ctx, failed)
		if err == nil {
			return endpoints, nil
		}
		log.WithFields(log.Fields{
			"attempt": attempt,
			"error":   err,
		}).Debug("cluster discovery attempt failed")

		select {
		case <-ctx.Done():
			return NodeEndpoints{}, ctx.Err()
		case <-time.After(d.cfg.DiscoverAttemptInterval):
		}
	}
	return NodeEndpoints{}, fmt.Errorf("failed to discover a candidate in %d attempts", d.cfg.MaxDiscoverAttempts)
}

func (d *ClusterEndpointDiscoverer) discoverOnce(ctx context.Context, failed *net.TCPAddr) (NodeEndpoints, error) {
	var (
		mu      sync.Mutex
		members []gossipMember
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, seed := range d.cfg.GossipSeeds {
		seed := seed
		g.Go(func() error {
			resp, err := d.fetchGossip(gctx, seed)
			if err != nil {
				// A dead seed is not fatal as long as one answers.
				log.WithField("seed", seed).WithError(err).Debug("gossip probe failed")
				return nil
			}
			mu.Lock()
			members = append(members, resp.Members...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return NodeEndpoints{}, err
	}

	best := pickBestMember(members, failed)
	if best == nil {
		return NodeEndpoints{}, errors.New("no eligible cluster members in gossip")
	}

	ip := net.ParseIP(best.ExternalTCPIP)
	if ip == nil {
		return NodeEndpoints{}, fmt.Errorf("gossip member has unparseable address %q", best.ExternalTCPIP)
	}

	var endpoints NodeEndpoints
	if best.ExternalTCPPort > 0 {
		endpoints.TCPEndpoint = &net.TCPAddr{IP: ip, Port: best.ExternalTCPPort}
	}
	if best.ExternalSecureTCPPort > 0 {
		endpoints.SecureTCPEndpoint = &net.TCPAddr{IP: ip, Port: best.ExternalSecureTCPPort}
	}
	return endpoints, nil
}

func (d *ClusterEndpointDiscoverer) fetchGossip(ctx context.Context, seed string) (*gossipResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seed+"/gossip?format=json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gossip returned status %d", resp.StatusCode)
	}

	var gr gossipResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, err
	}
	return &gr, nil
}

// pickBestMember ranks alive members by state and prefers any alternative
// over the endpoint that just failed.
func pickBestMember(members []gossipMember, failed *net.TCPAddr) *gossipMember {
	var best *gossipMember
	better := func(a, b *gossipMember) bool {
		if b == nil {
			return true
		}
		if failed != nil {
			aFailed := a.ExternalTCPIP == failed.IP.String() && a.ExternalTCPPort == failed.Port
			bFailed := b.ExternalTCPIP == failed.IP.String() && b.ExternalTCPPort == failed.Port
			if aFailed != bFailed {
				return bFailed
			}
		}
		return memberRank[a.State] < memberRank[b.State]
	}

	for i := range members {
		m := &members[i]
		if !m.IsAlive {
			continue
		}
		if _, eligible := memberRank[m.State]; !eligible {
			continue
		}
		if better(m, best) {
			best = m
		}
	}
	return best
}
