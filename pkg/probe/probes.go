package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
)

var modelPaths = []string{
	"/tmp/sysinfo/model",
	"/sys/firmware/devicetree/base/model",
	"/sys/class/dmi/id/product_name",
}

func (c *Collector) probeModel(_ context.Context, st *Status) error {
	for _, p := range modelPaths {
		data, err := c.read(p)
		if err != nil {
			continue
		}
		if m := strings.TrimSpace(strings.Trim(string(data), "\x00")); m != "" {
			st.Model = m
			return nil
		}
	}
	return nil
}

// probeWANIP reads the source address of the default route.
func (c *Collector) probeWANIP(ctx context.Context, st *Status) error {
	out, err := c.run(ctx, "ip", "-4", "route", "get", "1.1.1.1")
	if err != nil {
		return err
	}
	fields := strings.Fields(string(out))
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "src" && net.ParseIP(fields[i+1]) != nil {
			st.WANIP = fields[i+1]
			return nil
		}
	}
	return errors.New("no source address in route output")
}

func (c *Collector) probeDNS(_ context.Context, st *Status) error {
	data, err := c.read(c.checks.DNS.ResolvConf)
	if err != nil {
		return err
	}
	st.DNSServers = parseResolvConf(data)
	return nil
}

func parseResolvConf(data []byte) []string {
	out := []string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "nameserver" {
			out = append(out, fields[1])
		}
	}
	return out
}

func (c *Collector) probeNTP(ctx context.Context, st *Status) error {
	out, err := c.run(ctx, "timedatectl", "show", "-p", "NTPSynchronized")
	if err == nil {
		st.NTPSynced = strings.Contains(string(out), "NTPSynchronized=yes")
		return nil
	}
	// busybox ntpd has no status query; a running daemon is the best signal.
	if _, perr := c.run(ctx, "pidof", "ntpd"); perr == nil {
		st.NTPSynced = true
		return nil
	}
	return err
}

func (c *Collector) probeSSH(ctx context.Context, st *Status) error {
	for _, daemon := range []string{"dropbear", "sshd"} {
		if _, err := c.run(ctx, "pidof", daemon); err == nil {
			st.SSHEnabled = true
			return nil
		}
	}
	return nil
}

func (c *Collector) probeFirewall(ctx context.Context, st *Status) error {
	prefer := c.checks.Firewall.LinuxPrefer
	if prefer == "" {
		prefer = "auto"
	}

	if prefer == "ufw" || prefer == "auto" {
		if out, err := c.run(ctx, "ufw", "status"); err == nil {
			st.FirewallEnabled = strings.Contains(string(out), "Status: active")
			st.FirewallProfile = "ufw"
			return nil
		}
	}
	if prefer == "nftables" || prefer == "auto" {
		if out, err := c.run(ctx, "nft", "list", "ruleset"); err == nil && len(bytes.TrimSpace(out)) > 0 {
			st.FirewallEnabled = true
			st.FirewallProfile = nftProfile(out)
			return nil
		}
	}

	out, err := c.run(ctx, "iptables", "-L", "-n")
	if err != nil {
		st.FirewallEnabled = false
		return err
	}
	policy := iptablesInputPolicy(string(out))
	st.FirewallEnabled = policy == "drop" || hasRules(string(out))
	st.FirewallProfile = "iptables"
	return nil
}

// nftProfile names the ruleset by its first table, "fw4" on OpenWrt.
func nftProfile(ruleset []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(ruleset))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 3 && fields[0] == "table" {
			return fields[2]
		}
	}
	return "nftables"
}

func iptablesInputPolicy(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "Chain INPUT") {
			continue
		}
		switch {
		case strings.Contains(line, "policy DROP"):
			return "drop"
		case strings.Contains(line, "policy ACCEPT"):
			return "accept"
		}
	}
	return "unknown"
}

func hasRules(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Chain ") || strings.HasPrefix(line, "target ") {
			continue
		}
		return true
	}
	return false
}

// probeClients reads the kernel neighbour table and names entries from the
// DHCP lease file when one exists.
func (c *Collector) probeClients(_ context.Context, st *Status) error {
	arp, err := c.read(c.checks.Clients.ARPPath)
	if err != nil {
		return err
	}
	var names map[string]string
	if c.checks.Clients.LeaseDir != "" {
		if leases, err := c.read(c.checks.Clients.LeaseDir); err == nil {
			names = parseLeases(leases)
		}
	}
	st.Clients = parseARP(arp, names, c.checks.Clients.WirelessIfPrefix)
	return nil
}

// parseARP reads /proc/net/arp. Incomplete entries (flags 0x0) are skipped.
func parseARP(data []byte, names map[string]string, wirelessPrefix string) []Client {
	out := []Client{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		f := strings.Fields(sc.Text())
		if len(f) < 6 || f[2] == "0x0" {
			continue
		}
		mac := strings.ToLower(f[3])
		via := "ethernet"
		if wirelessPrefix != "" && strings.HasPrefix(f[5], wirelessPrefix) {
			via = "wifi"
		}
		out = append(out, Client{
			MAC:          mac,
			IP:           f[0],
			Hostname:     names[mac],
			ConnectedVia: via,
		})
	}
	return out
}

// parseLeases reads a dnsmasq lease file: expiry mac ip hostname client-id.
func parseLeases(data []byte) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 4 || f[3] == "*" {
			continue
		}
		out[strings.ToLower(f[1])] = f[3]
	}
	return out
}

func (c *Collector) probeSecurityLog(_ context.Context, st *Status) error {
	data, err := c.read(c.checks.Security.LogPath)
	if err != nil {
		return err
	}
	st.SecurityLogSamples = matchTail(data, c.checks.Security.Match, 50)
	return nil
}

func matchTail(data []byte, match string, limit int) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if match == "" || strings.Contains(line, match) {
			lines = append(lines, line)
		}
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	if lines == nil {
		return []string{}
	}
	return lines
}
