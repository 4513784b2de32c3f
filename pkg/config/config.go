// Package config loads the startup configuration consumed by the server
// and client daemons (spec.md §6.4). Parameters are immutable for the
// lifetime of the process: nothing in this package is re-read or hot
// reloaded once Load returns.
//
// Grounded on the teacher's own use of gopkg.in/ini.v1 for EDS parsing
// (od.go, pkg/od/parser.go, pkg/od/export.go) — the same library, turned
// on a plain key=value config file instead of an object dictionary.
package config

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

const (
	// DefaultBufferSize is bd_buffer_size when the config omits it, in
	// bytes. Must stay a multiple of 4096.
	DefaultBufferSize = 131072

	// DefaultServerMaxRequests and DefaultClientMaxRequests are
	// max_requests when the config omits it.
	DefaultServerMaxRequests = 300
	DefaultClientMaxRequests = 64

	sectorAlignment = 4096
)

// NetType describes the transport a daemon should use, parsed from a
// "TCP=<KiB>" style string. KiB holds the parsed size (zero when the
// string is empty); the daemons do not pass it to the transport, which
// sets a fixed receive buffer size and leaves the send buffer to the OS.
type NetType struct {
	Kind string
	KiB  int
}

func parseNetType(raw string) (NetType, error) {
	if raw == "" {
		return NetType{Kind: "TCP"}, nil
	}
	var kind string
	var kib int
	n, err := fmt.Sscanf(raw, "%3s=%d", &kind, &kib)
	if err != nil || n != 2 {
		return NetType{}, errors.Errorf("config: malformed net_type %q, want TCP=<KiB>", raw)
	}
	if kind != "TCP" {
		return NetType{}, errors.Errorf("config: unsupported net_type kind %q", kind)
	}
	return NetType{Kind: kind, KiB: kib}, nil
}

// Peer is one statically-configured cluster member, read from a `[peer N]`
// section of the startup file (spec.md §6.4's fixed peer list for cluster
// bootstrap).
type Peer struct {
	NodeID uint8
	IP     string
}

// peerSectionRegexp matches a `[peer <node_id>]` section name, the same
// "match section name, extract an id, read its keys" idiom the teacher uses
// in pkg/od/parser.go to recognize index/subindex sections in an EDS file.
var peerSectionRegexp = regexp.MustCompile(`^peer (\d+)$`)

func loadPeers(file *ini.File) ([]Peer, error) {
	var peers []Peer
	for _, sec := range file.Sections() {
		m := peerSectionRegexp.FindStringSubmatch(sec.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "config: malformed peer section %q", sec.Name())
		}
		ip := sec.Key("ip").String()
		if ip == "" {
			return nil, errors.Errorf("config: peer section %q missing ip", sec.Name())
		}
		peers = append(peers, Peer{NodeID: uint8(id), IP: ip})
	}
	return peers, nil
}

// Common holds the parameters shared by both roles.
type Common struct {
	NodeID        uint8
	BufferSize    int
	MaxRequests   int
	NetType       NetType
	BarrierEnable bool
	Peers         []Peer
}

// ServerConfig is the configuration accepted by nbd-serverd.
type ServerConfig struct {
	Common
	ListenAddr string
}

// ClientConfig is the configuration accepted by nbd-clientd.
type ClientConfig struct {
	Common
}

func loadCommon(file *ini.File, defaultMaxRequests int) (Common, error) {
	sec := file.Section("")

	nodeID, err := sec.Key("node_id").Uint()
	if err != nil {
		return Common{}, errors.Wrap(err, "config: node_id is required")
	}
	if nodeID > 255 {
		return Common{}, errors.Errorf("config: node_id %d out of range", nodeID)
	}

	bufSize := sec.Key("bd_buffer_size").MustInt(DefaultBufferSize)
	if bufSize <= 0 || bufSize%sectorAlignment != 0 {
		return Common{}, errors.Errorf("config: bd_buffer_size %d must be a positive multiple of %d", bufSize, sectorAlignment)
	}

	maxRequests := sec.Key("max_requests").MustInt(defaultMaxRequests)
	if maxRequests <= 0 {
		return Common{}, errors.Errorf("config: max_requests %d must be positive", maxRequests)
	}

	netType, err := parseNetType(sec.Key("net_type").String())
	if err != nil {
		return Common{}, err
	}

	peers, err := loadPeers(file)
	if err != nil {
		return Common{}, err
	}

	return Common{
		NodeID:        uint8(nodeID),
		BufferSize:    bufSize,
		MaxRequests:   maxRequests,
		NetType:       netType,
		BarrierEnable: sec.Key("barrier_enable").MustBool(false),
		Peers:         peers,
	}, nil
}

// LoadServerConfig parses a server startup configuration file. source is
// anything ini.Load accepts: a path, []byte, or io.Reader.
func LoadServerConfig(source any) (ServerConfig, error) {
	file, err := ini.Load(source)
	if err != nil {
		return ServerConfig{}, errors.Wrap(err, "config: loading server config")
	}

	common, err := loadCommon(file, DefaultServerMaxRequests)
	if err != nil {
		return ServerConfig{}, err
	}

	listenAddr := file.Section("").Key("listen_addr").String()
	if listenAddr == "" {
		return ServerConfig{}, errors.New("config: listen_addr is required")
	}

	return ServerConfig{Common: common, ListenAddr: listenAddr}, nil
}

// LoadClientConfig parses a client startup configuration file.
func LoadClientConfig(source any) (ClientConfig, error) {
	file, err := ini.Load(source)
	if err != nil {
		return ClientConfig{}, errors.Wrap(err, "config: loading client config")
	}

	common, err := loadCommon(file, DefaultClientMaxRequests)
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{Common: common}, nil
}
