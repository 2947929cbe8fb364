package config

import (
	"strings"
	"testing"
)

func validNode() *NodeConfig {
	return &NodeConfig{
		Addr: ":4000", RangeLo: 0, RangeHi: 16384, Role: "master",
		MaxConnections: 500, CPURejectThreshold: 75, CPUPauseThreshold: 80,
		MaxBroadcastRate: 200, LogLevel: "info", LogFormat: "json",
	}
}

func TestNodeValidateAccepts(t *testing.T) {
	if err := validNode().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNodeValidateRejectsBadRange(t *testing.T) {
	c := validNode()
	c.RangeLo, c.RangeHi = 8192, 8192
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for empty range")
	}
	c.RangeLo, c.RangeHi = 0, 20000
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for range past 16384")
	}
}

func TestNodeValidateRejectsBadRole(t *testing.T) {
	c := validNode()
	c.Role = "primary"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestNodeValidateRejectsPauseBelowReject(t *testing.T) {
	c := validNode()
	c.CPUPauseThreshold = 50
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when pause threshold < reject threshold")
	}
}

func TestNodePortDerivation(t *testing.T) {
	c := validNode()
	port, err := c.ClientPort()
	if err != nil || port != 4000 {
		t.Fatalf("ClientPort = %d, %v", port, err)
	}
	peer, err := c.PeerAddr()
	if err != nil || peer != ":14000" {
		t.Fatalf("PeerAddr = %q, %v", peer, err)
	}
}

func TestPeerClientPortsParsing(t *testing.T) {
	c := validNode()
	c.PeerPorts = "4001, 4002,, 4003 "
	got := c.PeerClientPorts()
	if len(got) != 3 || got[0] != 4001 || got[1] != 4002 || got[2] != 4003 {
		t.Fatalf("PeerClientPorts = %v", got)
	}
}

func TestLoadNodeConfigFromEnv(t *testing.T) {
	t.Setenv("WS_NODE_ADDR", ":5000")
	t.Setenv("WS_NODE_RANGE_LO", "0")
	t.Setenv("WS_NODE_RANGE_HI", "8192")
	t.Setenv("WS_NODE_ROLE", "replica")
	t.Setenv("WS_PEER_PORTS", "5001")

	cfg, err := LoadNodeConfig(nil)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.Addr != ":5000" || cfg.RangeHi != 8192 || cfg.Role != "replica" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestBridgeConfigHosts(t *testing.T) {
	c := &BridgeConfig{
		RedisNodeHosts: "127.0.0.1:4000, 127.0.0.1:4001",
		LogLevel:       "info", LogFormat: "json", PersistInterval: "3s",
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	hosts := c.NodeHosts()
	if len(hosts) != 2 || hosts[1] != "127.0.0.1:4001" {
		t.Fatalf("NodeHosts = %v", hosts)
	}
}

func TestBridgeConfigRequiresHosts(t *testing.T) {
	c := &BridgeConfig{LogLevel: "info", LogFormat: "json"}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "REDIS_NODE_HOSTS") {
		t.Fatalf("expected REDIS_NODE_HOSTS error, got %v", err)
	}
}
