package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadServerConfig([]byte("node_id = 3\nlisten_addr = 0.0.0.0:7890\n"))
	require.NoError(t, err)

	require.EqualValues(t, 3, cfg.NodeID)
	require.Equal(t, DefaultBufferSize, cfg.BufferSize)
	require.Equal(t, DefaultServerMaxRequests, cfg.MaxRequests)
	require.Equal(t, "0.0.0.0:7890", cfg.ListenAddr)
	require.Equal(t, NetType{Kind: "TCP"}, cfg.NetType)
	require.False(t, cfg.BarrierEnable)
}

func TestLoadServerConfigRequiresListenAddr(t *testing.T) {
	_, err := LoadServerConfig([]byte("node_id = 1\n"))
	require.Error(t, err)
}

func TestLoadServerConfigRequiresNodeID(t *testing.T) {
	_, err := LoadServerConfig([]byte("listen_addr = 0.0.0.0:7890\n"))
	require.Error(t, err)
}

func TestLoadServerConfigRejectsMisalignedBufferSize(t *testing.T) {
	_, err := LoadServerConfig([]byte("node_id = 1\nlisten_addr = 0.0.0.0:7890\nbd_buffer_size = 1000\n"))
	require.Error(t, err)
}

func TestLoadServerConfigParsesNetType(t *testing.T) {
	cfg, err := LoadServerConfig([]byte("node_id = 1\nlisten_addr = 0.0.0.0:7890\nnet_type = TCP=256\n"))
	require.NoError(t, err)
	require.Equal(t, NetType{Kind: "TCP", KiB: 256}, cfg.NetType)
}

func TestLoadServerConfigRejectsMalformedNetType(t *testing.T) {
	_, err := LoadServerConfig([]byte("node_id = 1\nlisten_addr = 0.0.0.0:7890\nnet_type = UDP\n"))
	require.Error(t, err)
}

func TestLoadClientConfigDefaultsMaxRequestsTo64(t *testing.T) {
	cfg, err := LoadClientConfig([]byte("node_id = 9\nbarrier_enable = true\n"))
	require.NoError(t, err)

	require.Equal(t, DefaultClientMaxRequests, cfg.MaxRequests)
	require.True(t, cfg.BarrierEnable)
}

func TestLoadClientConfigHonorsExplicitMaxRequests(t *testing.T) {
	cfg, err := LoadClientConfig([]byte("node_id = 9\nmax_requests = 128\n"))
	require.NoError(t, err)
	require.Equal(t, 128, cfg.MaxRequests)
}

func TestLoadServerConfigParsesPeerSections(t *testing.T) {
	cfg, err := LoadServerConfig([]byte(
		"node_id = 1\nlisten_addr = 0.0.0.0:7890\n" +
			"[peer 2]\nip = 10.0.0.2\n" +
			"[peer 3]\nip = 10.0.0.3\n"))
	require.NoError(t, err)
	require.ElementsMatch(t, []Peer{{NodeID: 2, IP: "10.0.0.2"}, {NodeID: 3, IP: "10.0.0.3"}}, cfg.Peers)
}

func TestLoadServerConfigRejectsPeerSectionWithoutIP(t *testing.T) {
	_, err := LoadServerConfig([]byte("node_id = 1\nlisten_addr = 0.0.0.0:7890\n[peer 2]\n"))
	require.Error(t, err)
}

func TestLoadClientConfigWithNoPeerSectionsHasEmptyPeerList(t *testing.T) {
	cfg, err := LoadClientConfig([]byte("node_id = 9\n"))
	require.NoError(t, err)
	require.Empty(t, cfg.Peers)
}
