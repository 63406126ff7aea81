package meshline

import (
	"maps"
	"slices"
	"sync"

	"github.com/armon/go-radix"
	"github.com/raskyld/meshline/pkg/wire"
)

const DefaultFirstPort uint16 = 6000

// channelDirectory is the state of the discovery service: which node
// address declared which channel, per direction. Channel names are kept
// in radix trees so they can be scanned by prefix.
type channelDirectory struct {
	lk sync.RWMutex

	// channel name -> set of addresses.
	inputs  *radix.Tree
	outputs *radix.Tree

	// connection id -> registered address.
	nodes map[string]string
	// port -> connections registered with it, whether it was assigned
	// or chosen by the node.
	ports     map[uint16]map[string]struct{}
	firstPort uint16
	nextPort  uint16
}

// Route is one producer to consumer edge of a channel.
type Route struct {
	Channel string `json:"channel"`
	From    string `json:"from"`
	To      string `json:"to"`
}

func newChannelDirectory(firstPort uint16) *channelDirectory {
	if firstPort == 0 {
		firstPort = DefaultFirstPort
	}
	return &channelDirectory{
		inputs:    radix.New(),
		outputs:   radix.New(),
		nodes:     make(map[string]string),
		ports:     make(map[uint16]map[string]struct{}),
		firstPort: firstPort,
		nextPort:  firstPort,
	}
}

// process answers one request of the connection identified by connID.
func (dir *channelDirectory) process(connID string, req *wire.DiscoveryMessage) *wire.DiscoveryMessage {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	switch req.State {
	case wire.StateConnect:
		return &wire.DiscoveryMessage{State: wire.StateConnect, HostServer: req.HostServer}

	case wire.StateRegister:
		// Registering again drops the previous port of the connection.
		dir.release(connID)
		port := req.Port
		if port == 0 {
			var ok bool
			if port, ok = dir.assignPort(); !ok {
				return errorReply(req, ErrPortsExhausted.Error())
			}
		}
		dir.claim(port, connID)
		dir.nodes[connID] = wire.JoinAddr(req.HostServer, port)
		return &wire.DiscoveryMessage{State: wire.StateRegister, HostServer: req.HostServer, Port: port}

	case wire.StateGetInputChannels:
		addr := wire.JoinAddr(req.HostServer, req.Port)
		if addr != dir.nodes[connID] {
			return errorReply(req, "not registered")
		}
		for _, name := range wire.SplitChannels(req.Payload) {
			record(dir.inputs, name, addr)
		}
		return dir.reply(req, dir.outputs)

	case wire.StateGetOutputChannels:
		addr := wire.JoinAddr(req.HostServer, req.Port)
		if addr != dir.nodes[connID] {
			return errorReply(req, "not registered")
		}
		for _, name := range wire.SplitChannels(req.Payload) {
			record(dir.outputs, name, addr)
		}
		return dir.reply(req, dir.inputs)
	}

	return errorReply(req, "bad message")
}

func (dir *channelDirectory) reply(req *wire.DiscoveryMessage, tree *radix.Tree) *wire.DiscoveryMessage {
	payload, err := snapshot(tree, "").Encode()
	if err != nil {
		return errorReply(req, "internal error")
	}
	return &wire.DiscoveryMessage{
		State:      req.State,
		HostServer: req.HostServer,
		Port:       req.Port,
		Payload:    payload,
	}
}

func errorReply(req *wire.DiscoveryMessage, reason string) *wire.DiscoveryMessage {
	payload, _ := wire.Directory{"error": {reason}}.Encode()
	return &wire.DiscoveryMessage{
		State:      wire.StateError,
		HostServer: req.HostServer,
		Payload:    payload,
	}
}

// assignPort must be called with the lock held.
func (dir *channelDirectory) assignPort() (uint16, bool) {
	start := dir.nextPort
	for {
		port := dir.nextPort
		dir.nextPort++
		if dir.nextPort == 0 {
			dir.nextPort = dir.firstPort
		}
		if _, used := dir.ports[port]; !used {
			return port, true
		}
		if dir.nextPort == start {
			return 0, false
		}
	}
}

// disconnect removes everything the connection declared.
func (dir *channelDirectory) disconnect(connID string) (string, bool) {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	addr, has := dir.nodes[connID]
	if !has {
		return "", false
	}
	delete(dir.nodes, connID)
	unregister(dir.inputs, addr)
	unregister(dir.outputs, addr)

	dir.release(connID)
	return addr, true
}

// claim must be called with the lock held.
func (dir *channelDirectory) claim(port uint16, connID string) {
	owners, has := dir.ports[port]
	if !has {
		owners = make(map[string]struct{})
		dir.ports[port] = owners
	}
	owners[connID] = struct{}{}
}

// release frees every port only connID was registered with. It must be
// called with the lock held.
func (dir *channelDirectory) release(connID string) {
	for port, owners := range dir.ports {
		delete(owners, connID)
		if len(owners) == 0 {
			delete(dir.ports, port)
		}
	}
}

func (dir *channelDirectory) portUsed(port uint16) bool {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	_, used := dir.ports[port]
	return used
}

func (dir *channelDirectory) nodeCount() int {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	return len(dir.nodes)
}

// Inputs lists the consumers of every channel starting with prefix.
func (dir *channelDirectory) Inputs(prefix string) wire.Directory {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	return snapshot(dir.inputs, prefix)
}

// Outputs lists the producers of every channel starting with prefix.
func (dir *channelDirectory) Outputs(prefix string) wire.Directory {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	return snapshot(dir.outputs, prefix)
}

// Routes lists every producer to consumer edge, a node never being
// routed to itself.
func (dir *channelDirectory) Routes() []Route {
	dir.lk.RLock()
	defer dir.lk.RUnlock()

	var routes []Route
	dir.outputs.Walk(func(channel string, v interface{}) bool {
		consumers, has := dir.inputs.Get(channel)
		if !has {
			return false
		}
		for _, from := range sortedSet(v.(map[string]struct{})) {
			for _, to := range sortedSet(consumers.(map[string]struct{})) {
				if from != to {
					routes = append(routes, Route{Channel: channel, From: from, To: to})
				}
			}
		}
		return false
	})
	return routes
}

func record(tree *radix.Tree, channel, addr string) {
	v, has := tree.Get(channel)
	if !has {
		tree.Insert(channel, map[string]struct{}{addr: {}})
		return
	}
	v.(map[string]struct{})[addr] = struct{}{}
}

func unregister(tree *radix.Tree, addr string) {
	var emptied []string
	tree.Walk(func(channel string, v interface{}) bool {
		set := v.(map[string]struct{})
		delete(set, addr)
		if len(set) == 0 {
			emptied = append(emptied, channel)
		}
		return false
	})
	for _, channel := range emptied {
		tree.Delete(channel)
	}
}

func snapshot(tree *radix.Tree, prefix string) wire.Directory {
	dir := wire.Directory{}
	tree.WalkPrefix(prefix, func(channel string, v interface{}) bool {
		dir[channel] = sortedSet(v.(map[string]struct{}))
		return false
	})
	return dir
}

func sortedSet(set map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(set))
}
