package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/meshrpc/meshrpc-go/messaging"
)

// ClientChecker reports the connection state of a messaging client.
// Connected is healthy, Connecting and Reconnecting are degraded, everything
// else is unhealthy.
type ClientChecker struct {
	client *messaging.Client
}

func NewClientChecker(client *messaging.Client) *ClientChecker {
	return &ClientChecker{client: client}
}

func (c *ClientChecker) Name() string { return "client" }

func (c *ClientChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.client.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}
	switch state {
	case messaging.StateConnected:
		result.Status = StatusHealthy
	case messaging.StateConnecting, messaging.StateReconnecting:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("client is %s", state)
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("client is %s", state)
	}
	result.Duration = time.Since(start)
	return result
}

// ServerChecker reports the running state of a messaging server and its
// client count.
type ServerChecker struct {
	server *messaging.Server
}

func NewServerChecker(server *messaging.Server) *ServerChecker {
	return &ServerChecker{server: server}
}

func (c *ServerChecker) Name() string { return "server" }

func (c *ServerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.server.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":   state.String(),
			"clients": c.server.ClientCount(),
		},
	}
	if state == messaging.StateConnected {
		result.Status = StatusHealthy
	} else {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("server is %s", state)
	}
	result.Duration = time.Since(start)
	return result
}

// TransportChecker probes a raw transport's connectivity.
type TransportChecker struct {
	name      string
	transport messaging.Transport
}

func NewTransportChecker(name string, transport messaging.Transport) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string { return c.name }

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}
	if c.transport.IsConnected() {
		result.Status = StatusHealthy
	} else {
		result.Status = StatusUnhealthy
		result.Message = "transport is not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// MemoryChecker reports process heap usage against soft and hard limits.
type MemoryChecker struct {
	degradedBytes  uint64
	unhealthyBytes uint64
}

func NewMemoryChecker(degradedBytes, unhealthyBytes uint64) *MemoryChecker {
	return &MemoryChecker{degradedBytes: degradedBytes, unhealthyBytes: unhealthyBytes}
}

func (c *MemoryChecker) Name() string { return "memory" }

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"heapAllocBytes": stats.HeapAlloc,
			"numGoroutine":   runtime.NumGoroutine(),
		},
	}
	switch {
	case c.unhealthyBytes > 0 && stats.HeapAlloc >= c.unhealthyBytes:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("heap %d bytes over limit %d", stats.HeapAlloc, c.unhealthyBytes)
	case c.degradedBytes > 0 && stats.HeapAlloc >= c.degradedBytes:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("heap %d bytes over soft limit %d", stats.HeapAlloc, c.degradedBytes)
	default:
		result.Status = StatusHealthy
	}
	result.Duration = time.Since(start)
	return result
}
