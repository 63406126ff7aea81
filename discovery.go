package meshline

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/raskyld/meshline/pkg/wire"
)

// routeTable maps a channel name to a set of node addresses.
type routeTable map[string]map[string]struct{}

// replace sets, for every channel of dir, the addresses dir reports.
// Channels dir does not mention are kept. self is never recorded.
func (rt routeTable) replace(dir wire.Directory, self string) {
	for channel, addrs := range dir {
		set := make(map[string]struct{}, len(addrs))
		for _, addr := range addrs {
			if addr == "" || addr == self {
				continue
			}
			set[addr] = struct{}{}
		}
		if len(set) == 0 {
			delete(rt, channel)
			continue
		}
		rt[channel] = set
	}
}

func (rt routeTable) evict(addr string) bool {
	found := false
	for channel, set := range rt {
		if _, has := set[addr]; !has {
			continue
		}
		found = true
		delete(set, addr)
		if len(set) == 0 {
			delete(rt, channel)
		}
	}
	return found
}

func (rt routeTable) addresses(channel string) []string {
	set := rt[channel]
	if len(set) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(set))
}

// DiscoveryStateMachine drives the registration handshake of a node with
// the discovery service:
//
//	Connect -> Register -> GetInputChannels -> GetOutputChannels -> GetInputChannels -> ...
//
// Error, or any reply that does not match the pending request, resets it
// to Connect.
//
// It also owns the two route tables. inputRoutes holds the consumers of
// each channel (learned when declaring outputs) and outputRoutes the
// producers (learned when declaring inputs).
type DiscoveryStateMachine struct {
	lk    sync.RWMutex
	state wire.DiscoveryState
	host  string
	port  uint16

	inputs  []string
	outputs []string

	inputRoutes  routeTable
	outputRoutes routeTable

	registeredSeen bool
	inputsSeen     bool
	rounds         uint64

	registered     chan struct{}
	registeredOnce sync.Once
}

func NewDiscoveryStateMachine(host string, port uint16) *DiscoveryStateMachine {
	return &DiscoveryStateMachine{
		state:        wire.StateConnect,
		host:         host,
		port:         port,
		inputRoutes:  make(routeTable),
		outputRoutes: make(routeTable),
		registered:   make(chan struct{}),
	}
}

// DeclareInput adds a channel this node consumes.
func (d *DiscoveryStateMachine) DeclareInput(name string) {
	d.lk.Lock()
	defer d.lk.Unlock()
	if !slices.Contains(d.inputs, name) {
		d.inputs = append(d.inputs, name)
	}
}

// DeclareOutput adds a channel this node produces.
func (d *DiscoveryStateMachine) DeclareOutput(name string) {
	d.lk.Lock()
	defer d.lk.Unlock()
	if !slices.Contains(d.outputs, name) {
		d.outputs = append(d.outputs, name)
	}
}

func (d *DiscoveryStateMachine) State() wire.DiscoveryState {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return d.state
}

// Address is the host:port this node advertises.
func (d *DiscoveryStateMachine) Address() string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return wire.JoinAddr(d.host, d.port)
}

// Rounds counts the completed GetInputChannels/GetOutputChannels rounds.
func (d *DiscoveryStateMachine) Rounds() uint64 {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return d.rounds
}

// Registered is closed the first time a full
// Register -> GetInputChannels -> GetOutputChannels round completes.
func (d *DiscoveryStateMachine) Registered() <-chan struct{} {
	return d.registered
}

// Reset goes back to Connect. Route tables are kept: they stay usable
// until the next successful round replaces them.
func (d *DiscoveryStateMachine) Reset() {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.reset()
}

func (d *DiscoveryStateMachine) reset() {
	d.state = wire.StateConnect
	d.registeredSeen = false
	d.inputsSeen = false
}

// Next builds the request for the current state.
func (d *DiscoveryStateMachine) Next() *wire.DiscoveryMessage {
	d.lk.RLock()
	defer d.lk.RUnlock()

	msg := &wire.DiscoveryMessage{
		State:      d.state,
		HostServer: d.host,
		Port:       d.port,
	}
	switch d.state {
	case wire.StateGetInputChannels:
		msg.Payload = wire.JoinChannels(d.inputs)
	case wire.StateGetOutputChannels:
		msg.Payload = wire.JoinChannels(d.outputs)
	}
	return msg
}

// Receive applies the reply of the discovery service and advances. It
// returns true when the reply completed a round.
func (d *DiscoveryStateMachine) Receive(msg *wire.DiscoveryMessage) (bool, error) {
	d.lk.Lock()
	defer d.lk.Unlock()

	if msg.State == wire.StateError {
		d.reset()
		return false, fmt.Errorf("%w: %s", ErrDiscoveryRejected, msg.Payload)
	}
	if msg.State != d.state {
		expected := d.state
		d.reset()
		return false, fmt.Errorf("%w: expected a %s reply, got %s", ErrProtocolViolation, expected, msg.State)
	}

	switch msg.State {
	case wire.StateConnect:
		d.state = wire.StateRegister

	case wire.StateRegister:
		// The service assigns a port to nodes registering without one.
		if d.port == 0 && msg.Port != 0 {
			d.port = msg.Port
		}
		d.registeredSeen = true
		d.state = wire.StateGetInputChannels

	case wire.StateGetInputChannels:
		dir, err := wire.ParseDirectory(msg.Payload)
		if err != nil {
			d.reset()
			return false, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		d.outputRoutes.replace(dir, wire.JoinAddr(d.host, d.port))
		d.inputsSeen = true
		d.state = wire.StateGetOutputChannels

	case wire.StateGetOutputChannels:
		dir, err := wire.ParseDirectory(msg.Payload)
		if err != nil {
			d.reset()
			return false, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		d.inputRoutes.replace(dir, wire.JoinAddr(d.host, d.port))
		d.state = wire.StateGetInputChannels
		if !d.inputsSeen {
			return false, nil
		}
		d.rounds++
		if d.registeredSeen {
			d.registeredOnce.Do(func() { close(d.registered) })
		}
		return true, nil

	default:
		d.reset()
		return false, fmt.Errorf("%w: unknown state %s", ErrProtocolViolation, msg.State)
	}
	return false, nil
}

// Evict forgets addr in both route tables until a later round reports
// it again.
func (d *DiscoveryStateMachine) Evict(addr string) bool {
	d.lk.Lock()
	defer d.lk.Unlock()
	in := d.inputRoutes.evict(addr)
	out := d.outputRoutes.evict(addr)
	return in || out
}

// RoutableInputChannels are the declared inputs some node produces.
func (d *DiscoveryStateMachine) RoutableInputChannels() []string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return routable(d.inputs, d.outputRoutes)
}

// RoutableOutputChannels are the declared outputs some node consumes.
func (d *DiscoveryStateMachine) RoutableOutputChannels() []string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return routable(d.outputs, d.inputRoutes)
}

// InputChannelRoutes maps each routable input to its producers.
func (d *DiscoveryStateMachine) InputChannelRoutes() map[string][]string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return resolve(d.inputs, d.outputRoutes)
}

// OutputChannelRoutes maps each routable output to its consumers.
func (d *DiscoveryStateMachine) OutputChannelRoutes() map[string][]string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return resolve(d.outputs, d.inputRoutes)
}

// OutputRoute returns the consumers of a declared output channel.
func (d *DiscoveryStateMachine) OutputRoute(channel string) []string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	if !slices.Contains(d.outputs, channel) {
		return nil
	}
	return d.inputRoutes.addresses(channel)
}

// InputRoute returns the producers of a declared input channel.
func (d *DiscoveryStateMachine) InputRoute(channel string) []string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	if !slices.Contains(d.inputs, channel) {
		return nil
	}
	return d.outputRoutes.addresses(channel)
}

func routable(declared []string, rt routeTable) []string {
	var names []string
	for _, name := range declared {
		if len(rt[name]) > 0 {
			names = append(names, name)
		}
	}
	return names
}

func resolve(declared []string, rt routeTable) map[string][]string {
	resolved := make(map[string][]string)
	for _, name := range declared {
		if addrs := rt.addresses(name); len(addrs) > 0 {
			resolved[name] = addrs
		}
	}
	return resolved
}
