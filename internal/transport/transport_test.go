package transport

import (
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/pool"
)

func TestGetClientReusesRoundTripperForSameAccountKey(t *testing.T) {
	m := NewManager(time.Second)
	defer m.Close()

	acctA := &pool.Account{ID: "a"}
	acctB := &pool.Account{ID: "b"} // no proxy: same "direct" key as acctA

	rt1 := m.getRoundTripper(acctA)
	rt2 := m.getRoundTripper(acctB)
	if rt1 != rt2 {
		t.Fatal("expected accounts with no proxy config to share the direct transport")
	}
}

func TestGetClientSeparatesDifferentProxies(t *testing.T) {
	m := NewManager(time.Second)
	defer m.Close()

	acctA := &pool.Account{ID: "a", Proxy: &pool.ProxyConfig{Type: "socks5", Host: "proxy1", Port: 1080}}
	acctB := &pool.Account{ID: "b", Proxy: &pool.ProxyConfig{Type: "socks5", Host: "proxy2", Port: 1080}}

	rt1 := m.getRoundTripper(acctA)
	rt2 := m.getRoundTripper(acctB)
	if rt1 == rt2 {
		t.Fatal("expected distinct proxy configs to get distinct transports")
	}
}

func TestCleanupRemovesOnlyIdleEntries(t *testing.T) {
	m := NewManager(time.Second)
	defer m.Close()

	fresh := &pool.Account{ID: "fresh"}
	m.getRoundTripper(fresh)

	stale := &pool.Account{ID: "stale", Proxy: &pool.ProxyConfig{Type: "socks5", Host: "stale-host", Port: 1}}
	m.getRoundTripper(stale)
	m.mu.Lock()
	m.entries[transportKey(stale)].lastUsed = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.cleanup(5 * time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[transportKey(stale)]; ok {
		t.Fatal("stale entry should have been evicted")
	}
	if _, ok := m.entries[transportKey(fresh)]; !ok {
		t.Fatal("fresh entry should not have been evicted")
	}
}

func TestTransportKeyDistinguishesDirectFromProxy(t *testing.T) {
	direct := &pool.Account{ID: "a"}
	proxied := &pool.Account{ID: "b", Proxy: &pool.ProxyConfig{Type: "http", Host: "h", Port: 8080}}

	if transportKey(direct) != "direct" {
		t.Fatalf("expected direct key, got %q", transportKey(direct))
	}
	if transportKey(proxied) == "direct" {
		t.Fatal("expected proxied account to get a non-direct key")
	}
}
