package meshline

import (
	"log/slog"
	"unique"

	"github.com/raskyld/meshline/pkg/wire"
)

type Hostname string

// Peer is a node of the mesh, as advertised to the discovery service.
// Host names are interned: route tables repeat them a lot.
type Peer struct {
	Name unique.Handle[Hostname]
	Port uint16
}

// ParsePeer parses an advertised host:port.
func ParsePeer(addr string) (Peer, error) {
	host, port, err := wire.SplitAddr(addr)
	if err != nil {
		return Peer{}, err
	}
	return Peer{Name: unique.Make(Hostname(host)), Port: port}, nil
}

func (p Peer) Host() string {
	return string(p.Name.Value())
}

// Addr is the key under which the peer is routed to.
func (p Peer) Addr() string {
	return wire.JoinAddr(p.Host(), p.Port)
}

func (p Peer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", p.Host()),
		slog.Int("port", int(p.Port)),
	)
}

// Peers lists the consumers of an output channel.
func (r *Router) Peers(channel string) []Peer {
	addrs := r.routes.OutputRoute(channel)
	peers := make([]Peer, 0, len(addrs))
	for _, addr := range addrs {
		p, err := ParsePeer(addr)
		if err != nil {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}
