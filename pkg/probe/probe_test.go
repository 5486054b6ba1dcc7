package probe

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wiretide/wiretide/pkg/config"
	"github.com/wiretide/wiretide/pkg/ingest"
)

const arpTable = `IP address       HW type     Flags       HW address            Mask     Device
192.168.1.20     0x1         0x2         AA:BB:CC:00:00:01     *        br-lan
192.168.1.21     0x1         0x2         aa:bb:cc:00:00:02     *        wlan0
192.168.1.22     0x1         0x0         00:00:00:00:00:00     *        br-lan
`

const leases = `1717000000 aa:bb:cc:00:00:01 192.168.1.20 laptop 01:aa:bb:cc:00:00:01
1717000000 aa:bb:cc:00:00:02 192.168.1.21 * *
`

func fakeFiles(files map[string]string) func(string) ([]byte, error) {
	return func(p string) ([]byte, error) {
		if body, ok := files[p]; ok {
			return []byte(body), nil
		}
		return nil, os.ErrNotExist
	}
}

func fakeRunner(outputs map[string]string) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		key := strings.Join(append([]string{name}, args...), " ")
		if out, ok := outputs[key]; ok {
			return []byte(out), nil
		}
		return nil, errors.New("exec: not found")
	}
}

func testChecks() config.ChecksConfig {
	checks := config.DefaultAgent().Checks
	checks.Security.Enable = true
	checks.Security.LogPath = "/var/log/messages"
	return checks
}

func TestCollect(t *testing.T) {
	c := NewCollector(testChecks(),
		WithReadFile(fakeFiles(map[string]string{
			"/tmp/sysinfo/model": "GL.iNet GL-MT3000\n",
			"/etc/resolv.conf":   "# generated\nnameserver 127.0.0.1\nnameserver 9.9.9.9\nsearch lan\n",
			"/proc/net/arp":      arpTable,
			"/tmp/dhcp.leases":   leases,
			"/var/log/messages":  "boot\nfw: DROP in=wan src=1.2.3.4\nfw: DROP in=wan src=5.6.7.8\n",
		})),
		WithRunner(fakeRunner(map[string]string{
			"ip -4 route get 1.1.1.1":           "1.1.1.1 via 203.0.113.1 dev wan src 203.0.113.7 uid 0\n",
			"timedatectl show -p NTPSynchronized": "NTPSynchronized=yes\n",
			"pidof dropbear":                    "812\n",
			"nft list ruleset":                  "table inet fw4 {\n\tchain input {\n\t}\n}\n",
		})),
	)

	st := c.Collect(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.Equal(t, "aa:bb:cc:dd:ee:ff", st.MAC)
	require.Equal(t, "GL.iNet GL-MT3000", st.Model)
	require.Equal(t, "203.0.113.7", st.WANIP)
	require.Equal(t, []string{"127.0.0.1", "9.9.9.9"}, st.DNSServers)
	require.True(t, st.NTPSynced)
	require.True(t, st.SSHEnabled)
	require.True(t, st.FirewallEnabled)
	require.Equal(t, "fw4", st.FirewallProfile)
	require.Len(t, st.SecurityLogSamples, 2)
	require.Equal(t, []Client{
		{MAC: "aa:bb:cc:00:00:01", IP: "192.168.1.20", Hostname: "laptop", ConnectedVia: "ethernet"},
		{MAC: "aa:bb:cc:00:00:02", IP: "192.168.1.21", ConnectedVia: "wifi"},
	}, st.Clients)
	require.Empty(t, st.Errors)
}

func TestCollectRecordsFailures(t *testing.T) {
	c := NewCollector(testChecks(), WithReadFile(fakeFiles(nil)), WithRunner(fakeRunner(nil)))
	st := c.Collect(context.Background(), "aa:bb:cc:dd:ee:ff")

	require.Equal(t, "unknown", st.Model)
	require.Empty(t, st.DNSServers)
	require.NotNil(t, st.Clients)
	require.False(t, st.FirewallEnabled)
	require.Contains(t, st.Errors, "dns")
	require.Contains(t, st.Errors, "clients")
	require.Contains(t, st.Errors, "firewall")
	require.NotContains(t, st.Errors, "ssh", "no ssh daemon is not a failure")
}

func TestStatusDecodesOnController(t *testing.T) {
	st := &Status{
		SchemaVersion:      2,
		MAC:                "aa:bb:cc:dd:ee:ff",
		Model:              "x86",
		DNSServers:         []string{"1.1.1.1"},
		SecurityLogSamples: []string{},
		Clients:            []Client{{MAC: "11:22:33:44:55:66", ConnectedVia: "wifi"}},
		Errors:             map[string]string{"ntp": "boom"},
	}
	body, err := json.Marshal(st)
	require.NoError(t, err)
	require.NotContains(t, string(body), "boom")

	rep, err := ingest.Decode(body)
	require.NoError(t, err)
	require.Equal(t, "x86", rep.Model)
	require.Equal(t, []string{"1.1.1.1"}, rep.DNSServers)
	require.Len(t, rep.Clients, 1)
	require.Equal(t, "wifi", rep.Clients[0]["connected_via"])
}

func TestIptablesFallback(t *testing.T) {
	checks := testChecks()
	checks.Firewall.LinuxPrefer = "iptables"
	c := NewCollector(checks, WithReadFile(fakeFiles(nil)), WithRunner(fakeRunner(map[string]string{
		"iptables -L -n": "Chain INPUT (policy DROP)\ntarget     prot opt source               destination\n",
	})))
	st := c.Collect(context.Background(), "aa:bb:cc:dd:ee:ff")
	require.True(t, st.FirewallEnabled)
	require.Equal(t, "iptables", st.FirewallProfile)
}

func TestMatchTailCaps(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 80; i++ {
		b.WriteString("DROP line\n")
	}
	require.Len(t, matchTail([]byte(b.String()), "DROP", 50), 50)
	require.Equal(t, []string{}, matchTail([]byte("nothing\n"), "DROP", 50))
}
