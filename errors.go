package meshline

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNameInvalid = errors.New("node: channel names must only contain alphanum, dashes, dots and underscores and be less than 128 chars")

	ErrInvalidCfg          = errors.New("node: invalid options")
	ErrNodeClosed          = errors.New("node: shut down")
	ErrNodeStarted         = errors.New("node: already started")
	ErrRegistrationClosed  = errors.New("node: channels must be registered before Start")
	ErrNoChannel           = errors.New("node: a proxy needs an input or an output channel")
	ErrNoDiscoveryService  = errors.New("node: no discovery service address")
	ErrAdvertiseUnresolved = errors.New("node: could not determine an address to advertise")

	ErrTransportClosed = errors.New("transport: closed")
	ErrSendQueueFull   = errors.New("transport: send queue is full")
	ErrDialFailed      = errors.New("transport: could not connect")
	ErrProbeFailed     = errors.New("transport: liveness probe failed")

	ErrProtocolViolation = errors.New("discovery: protocol violation")
	ErrDiscoveryRejected = errors.New("discovery: service replied with an error")
	ErrResponseTimeout   = errors.New("discovery: no response in time")

	ErrNoRoute       = errors.New("router: no route for channel")
	ErrDialThrottled = errors.New("router: dial throttled")
	ErrUnknownInput  = errors.New("router: no local input channel")
	ErrSubscriber    = errors.New("router: subscriber failed")

	ErrPortsExhausted = errors.New("rendezvous: no port left to assign")
)

// PanicError wraps a value recovered from a subscriber.
type PanicError struct {
	Value any
}

func (perr *PanicError) Error() string {
	return fmt.Sprintf("subscriber panicked: %v", perr.Value)
}

func (perr *PanicError) Unwrap() error {
	return ErrSubscriber
}
