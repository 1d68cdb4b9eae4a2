// Package sim wires one master and N slaves onto the in-process radio medium
// for integration tests and the demo binary.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rfmesh/pkg/master"
	"rfmesh/pkg/memkv"
	"rfmesh/pkg/nodes"
	"rfmesh/pkg/protocol"
	"rfmesh/pkg/radio/mem"
	"rfmesh/pkg/slave"
	"rfmesh/pkg/telemetry"
)

// SlaveSpec describes one simulated slave: its link to the master and,
// optionally, overridden links to specific peers.
type SlaveSpec struct {
	Addr       protocol.Addr
	MasterRSSI int8
	PeerRSSI   map[protocol.Addr]int8
}

// Options configures a cluster.
type Options struct {
	MasterAddr   protocol.Addr
	Slaves       []SlaveSpec
	MasterParams master.Params
	SlaveParams  slave.Params
	MaxNodes     int
}

// Cluster is a running in-process network.
type Cluster struct {
	Medium     *mem.Medium
	Controller *master.Controller
	Agents     map[protocol.Addr]*slave.Agent

	kv *memkv.Store
}

// New builds the medium, the controller and the agents; nothing runs yet.
func New(opts Options) (*Cluster, error) {
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = 16
	}
	medium := mem.New()
	mp, err := medium.Attach(opts.MasterAddr)
	if err != nil {
		return nil, fmt.Errorf("sim: attach master: %w", err)
	}
	kv := memkv.New(memkv.Options{})
	c := &Cluster{
		Medium:     medium,
		Controller: master.New(opts.MasterAddr, mp, nodes.New(kv, opts.MaxNodes), opts.MasterParams),
		Agents:     make(map[protocol.Addr]*slave.Agent, len(opts.Slaves)),
		kv:         kv,
	}
	for _, spec := range opts.Slaves {
		port, err := medium.Attach(spec.Addr)
		if err != nil {
			kv.Close()
			return nil, fmt.Errorf("sim: attach %v: %w", spec.Addr, err)
		}
		medium.SetLink(opts.MasterAddr, spec.Addr, spec.MasterRSSI)
		for peer, rssi := range spec.PeerRSSI {
			medium.SetLink(spec.Addr, peer, rssi)
		}
		src := telemetry.NewSim(20, 2, time.Minute)
		c.Agents[spec.Addr] = slave.New(spec.Addr, port, src, opts.SlaveParams)
	}
	return c, nil
}

// Run drives every node until ctx is cancelled.
func (c *Cluster) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = c.Controller.Run(ctx) }()
	for _, a := range c.Agents {
		wg.Add(1)
		go func(a *slave.Agent) { defer wg.Done(); _ = a.Run(ctx) }(a)
	}
	wg.Wait()
	c.kv.Close()
	return ctx.Err()
}
