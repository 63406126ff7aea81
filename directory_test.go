package meshline

import (
	"testing"

	"github.com/raskyld/meshline/pkg/wire"
	"github.com/stretchr/testify/require"
)

func register(t *testing.T, dir *channelDirectory, connID, host string, port uint16) uint16 {
	t.Helper()
	reply := dir.process(connID, &wire.DiscoveryMessage{State: wire.StateConnect, HostServer: host})
	require.Equal(t, wire.StateConnect, reply.State)
	reply = dir.process(connID, &wire.DiscoveryMessage{State: wire.StateRegister, HostServer: host, Port: port})
	require.Equal(t, wire.StateRegister, reply.State)
	return reply.Port
}

func declare(t *testing.T, dir *channelDirectory, connID string, state wire.DiscoveryState, host string, port uint16, channels ...string) wire.Directory {
	t.Helper()
	reply := dir.process(connID, &wire.DiscoveryMessage{
		State:      state,
		HostServer: host,
		Port:       port,
		Payload:    wire.JoinChannels(channels),
	})
	require.Equal(t, state, reply.State, "rejected: %s", reply.Payload)
	parsed, err := wire.ParseDirectory(reply.Payload)
	require.NoError(t, err)
	return parsed
}

func TestDirectoryExchange(t *testing.T) {
	dir := newChannelDirectory(0)

	register(t, dir, "a", "127.0.0.1", 7001)
	register(t, dir, "b", "127.0.0.1", 7002)

	// a consumes prices, it learns nobody produces it yet.
	producers := declare(t, dir, "a", wire.StateGetInputChannels, "127.0.0.1", 7001, "prices")
	require.Empty(t, producers)

	// b produces prices and learns a consumes it.
	declare(t, dir, "b", wire.StateGetInputChannels, "127.0.0.1", 7002)
	consumers := declare(t, dir, "b", wire.StateGetOutputChannels, "127.0.0.1", 7002, "prices")
	require.Equal(t, wire.Directory{"prices": {"127.0.0.1:7001"}}, consumers)

	// next round, a learns b produces prices.
	producers = declare(t, dir, "a", wire.StateGetInputChannels, "127.0.0.1", 7001, "prices")
	require.Equal(t, wire.Directory{"prices": {"127.0.0.1:7002"}}, producers)

	require.Equal(t, []Route{{Channel: "prices", From: "127.0.0.1:7002", To: "127.0.0.1:7001"}}, dir.Routes())
	require.Equal(t, 2, dir.nodeCount())
}

func TestDirectoryAssignsPorts(t *testing.T) {
	dir := newChannelDirectory(6100)

	require.Equal(t, uint16(6100), register(t, dir, "a", "h", 0))
	require.Equal(t, uint16(6101), register(t, dir, "b", "h", 0))
	// An explicit port is taken as is and never assigned afterwards.
	require.Equal(t, uint16(6102), register(t, dir, "c", "h", 6102))
	require.Equal(t, uint16(6103), register(t, dir, "d", "h", 0))

	_, had := dir.disconnect("a")
	require.True(t, had)
	require.False(t, dir.portUsed(6100), "port of a left node must be released")
}

func TestDirectoryReleasesExplicitPorts(t *testing.T) {
	dir := newChannelDirectory(6100)

	require.Equal(t, uint16(6100), register(t, dir, "a", "h", 6100))
	// Another host may use the same port.
	require.Equal(t, uint16(6100), register(t, dir, "b", "other", 6100))
	require.Equal(t, uint16(6101), register(t, dir, "c", "h", 0))

	_, had := dir.disconnect("a")
	require.True(t, had)
	require.True(t, dir.portUsed(6100), "b still uses it")

	_, had = dir.disconnect("b")
	require.True(t, had)
	require.False(t, dir.portUsed(6100))
	require.Equal(t, uint16(6102), register(t, dir, "d", "h", 0))

	// A node registering again with another port gives the first back.
	require.Equal(t, uint16(6200), register(t, dir, "c", "h", 6200))
	require.False(t, dir.portUsed(6101))
	require.True(t, dir.portUsed(6200))
}

func TestDirectoryPortsExhausted(t *testing.T) {
	dir := newChannelDirectory(65534)

	require.Equal(t, uint16(65534), register(t, dir, "a", "h", 0))
	require.Equal(t, uint16(65535), register(t, dir, "b", "h", 0))

	reply := dir.process("c", &wire.DiscoveryMessage{State: wire.StateRegister, HostServer: "h"})
	require.Equal(t, wire.StateError, reply.State)
	require.Contains(t, reply.Payload, ErrPortsExhausted.Error())
}

func TestDirectoryRejects(t *testing.T) {
	dir := newChannelDirectory(0)

	t.Run("unregistered node", func(t *testing.T) {
		reply := dir.process("x", &wire.DiscoveryMessage{
			State:      wire.StateGetOutputChannels,
			HostServer: "127.0.0.1",
			Port:       7001,
			Payload:    "prices",
		})
		require.Equal(t, wire.StateError, reply.State)
		require.Empty(t, dir.Outputs(""))
	})

	t.Run("address mismatch", func(t *testing.T) {
		register(t, dir, "y", "127.0.0.1", 7001)
		reply := dir.process("y", &wire.DiscoveryMessage{
			State:      wire.StateGetInputChannels,
			HostServer: "127.0.0.1",
			Port:       7999,
		})
		require.Equal(t, wire.StateError, reply.State)
	})

	t.Run("unknown state", func(t *testing.T) {
		reply := dir.process("y", &wire.DiscoveryMessage{State: wire.DiscoveryState(42)})
		require.Equal(t, wire.StateError, reply.State)
		parsed, err := wire.ParseDirectory(reply.Payload)
		require.NoError(t, err)
		require.Equal(t, []string{"bad message"}, parsed["error"])
	})
}

func TestDirectoryDisconnect(t *testing.T) {
	dir := newChannelDirectory(0)
	register(t, dir, "a", "h", 7001)
	register(t, dir, "b", "h", 7002)
	declare(t, dir, "a", wire.StateGetInputChannels, "h", 7001, "prices", "orders")
	declare(t, dir, "b", wire.StateGetInputChannels, "h", 7002, "prices")

	addr, had := dir.disconnect("a")
	require.True(t, had)
	require.Equal(t, "h:7001", addr)
	require.Equal(t, wire.Directory{"prices": {"h:7002"}}, dir.Inputs(""))

	_, had = dir.disconnect("a")
	require.False(t, had)
}

func TestDirectoryPrefix(t *testing.T) {
	dir := newChannelDirectory(0)
	register(t, dir, "a", "h", 7001)
	declare(t, dir, "a", wire.StateGetOutputChannels, "h", 7001, "prices.close", "prices.open", "orders")

	out := dir.Outputs("prices.")
	require.Len(t, out, 2)
	require.Contains(t, out, "prices.close")
	require.Contains(t, out, "prices.open")
	require.Len(t, dir.Outputs(""), 3)
}

func TestDirectoryRoutesSkipSelf(t *testing.T) {
	dir := newChannelDirectory(0)
	register(t, dir, "a", "h", 7001)
	declare(t, dir, "a", wire.StateGetInputChannels, "h", 7001, "loop")
	declare(t, dir, "a", wire.StateGetOutputChannels, "h", 7001, "loop")
	require.Empty(t, dir.Routes())
}
