package wire

import (
	"encoding/json"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// Directory maps a channel name to the addresses of the nodes declaring
// it. It is the payload of discovery service replies.
type Directory map[string][]string

// Encode returns the JSON form of the directory.
func (d Directory) Encode() (string, error) {
	if d == nil {
		return "{}", nil
	}
	buf, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ParseDirectory decodes a JSON directory. An empty payload is an empty
// directory.
func ParseDirectory(payload string) (Directory, error) {
	dir := Directory{}
	if strings.TrimSpace(payload) == "" {
		return dir, nil
	}
	if err := json.Unmarshal([]byte(payload), &dir); err != nil {
		return nil, fmt.Errorf("%w: directory: %w", ErrInvalidMessage, err)
	}
	return dir, nil
}

// JoinChannels serializes channel names the way nodes declare them.
func JoinChannels(names []string) string {
	return strings.Join(names, ",")
}

// SplitChannels is the inverse of JoinChannels. Blank entries are skipped
// and duplicates removed.
func SplitChannels(payload string) []string {
	var names []string
	for _, name := range strings.Split(payload, ",") {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(names, name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

// JoinAddr formats the address under which a node is known in the mesh.
func JoinAddr(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// SplitAddr is the inverse of JoinAddr.
func SplitAddr(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}
