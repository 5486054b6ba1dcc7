package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wiretide/wiretide/pkg/events"
	"github.com/wiretide/wiretide/pkg/store"
	"github.com/wiretide/wiretide/pkg/store/storetest"
)

func TestDecodeLegacyLookupOrder(t *testing.T) {
	rep, err := Decode([]byte(`{
		"mac": "AA:BB:CC:DD:EE:FF",
		"model": "top-level",
		"ntp_synced": true,
		"settings": {"model": "from-settings", "ntp": "", "firewall_profile_active": "strict"},
		"firewall_profile": "loose"
	}`))
	require.NoError(t, err)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", rep.MAC)
	require.Equal(t, "from-settings", rep.Model)
	require.True(t, rep.NTPSynced, "empty settings value falls through to the alias")
	require.Equal(t, "loose", rep.FirewallProfile, "earlier alias wins over a later one")
}

func TestDecodeUnusableSettingsValueKeepsDefault(t *testing.T) {
	rep, err := Decode([]byte(`{
		"mac": "aa:bb:cc:dd:ee:ff",
		"settings": {"ntp": "perhaps", "dns": 42, "firewall": "maybe"},
		"ntp": true,
		"dns": ["9.9.9.9"],
		"firewall": false
	}`))
	require.NoError(t, err)
	require.False(t, rep.NTPSynced, "settings value wins even when it degrades")
	require.Empty(t, rep.DNSServers)
	require.True(t, rep.FirewallEnabled)
}

func TestDecodeDefaults(t *testing.T) {
	rep, err := Decode([]byte(`{"mac":"aa:bb:cc:dd:ee:ff","firewall":"maybe","dns":42,"clients":"nope"}`))
	require.NoError(t, err)
	require.Equal(t, "unknown", rep.Model)
	require.True(t, rep.FirewallEnabled)
	require.Empty(t, rep.DNSServers)
	require.NotNil(t, rep.DNSServers)
	require.Empty(t, rep.SecurityLogSamples)
	require.Empty(t, rep.Clients)
	require.False(t, rep.SSHEnabled)
}

func TestDecodeDNSShapes(t *testing.T) {
	cases := map[string][]string{
		`["1.1.1.1","8.8.8.8"]`:     {"1.1.1.1", "8.8.8.8"},
		`"[\"9.9.9.9\"]"`:           {"9.9.9.9"},
		`"1.1.1.1, 8.8.8.8,,"`:      {"1.1.1.1", "8.8.8.8"},
		`{"primary":"1.1.1.1"}`:     {},
		`[1, "2.2.2.2", null]`:      {"1", "2.2.2.2"},
	}
	for in, want := range cases {
		rep, err := Decode([]byte(`{"mac":"aa:bb:cc:dd:ee:ff","dns":` + in + `}`))
		require.NoError(t, err, in)
		require.Equal(t, want, rep.DNSServers, in)
	}
}

func TestDecodeSecurityLogsCapped(t *testing.T) {
	lines := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	asList, _ := json.Marshal(lines)
	asText, _ := json.Marshal(strings.Join(lines, "\n") + "\n\n")

	for _, raw := range []string{string(asList), string(asText)} {
		rep, err := Decode([]byte(`{"mac":"aa:bb:cc:dd:ee:ff","security_log_samples":` + raw + `}`))
		require.NoError(t, err)
		require.Len(t, rep.SecurityLogSamples, MaxSecurityLogSamples)
		require.Equal(t, "line 10", rep.SecurityLogSamples[0])
		require.Equal(t, "line 59", rep.SecurityLogSamples[49])
	}
}

func TestDecodeV2IsStrict(t *testing.T) {
	rep, err := Decode([]byte(`{"schema_version":2,"mac":"aa:bb:cc:dd:ee:ff","dns_servers":["1.1.1.1"],"firewall_enabled":false}`))
	require.NoError(t, err)
	require.Equal(t, []string{"1.1.1.1"}, rep.DNSServers)
	require.False(t, rep.FirewallEnabled)
	require.Equal(t, "unknown", rep.Model)

	_, err = Decode([]byte(`{"schema_version":2,"mac":"aa:bb:cc:dd:ee:ff","dns":"1.1.1.1"}`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, body := range []string{``, `not json`, `[1,2]`, `{"mac":"x"} trailing`} {
		_, err := Decode([]byte(body))
		require.ErrorIs(t, err, ErrMalformed, body)
	}
	_, err := Decode([]byte(`{"model":"x"}`))
	require.ErrorIs(t, err, ErrMissingMAC)
}

func TestAcceptUpsertsSnapshot(t *testing.T) {
	db := storetest.Open(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := &events.Recorder{}
	ing := New(db, WithClock(func() time.Time { return now }), WithEvents(rec))
	ctx := context.Background()

	require.NoError(t, db.Create(&store.Device{MAC: "aa:bb:cc:dd:ee:ff", Status: store.StatusApproved, Approved: true, DeviceType: store.TypeRouter}).Error)

	res, err := ing.Accept(ctx, []byte(`{"mac":"aa:bb:cc:dd:ee:ff","model":"mx","ssh_enabled":true,
		"security_log_samples":["a","b"],"firewall_profile":"strict",
		"clients":[{"mac":"11:22:33:44:55:66","connected_via":"wifi"}]}`))
	require.NoError(t, err)
	require.Equal(t, &Result{MAC: "aa:bb:cc:dd:ee:ff", Events: 2, Profile: "strict"}, res)

	now = now.Add(time.Minute)
	_, err = ing.Accept(ctx, []byte(`{"mac":"aa:bb:cc:dd:ee:ff","model":"mx2"}`))
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&store.TelemetrySnapshot{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	snap, err := ing.Snapshot(ctx, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Equal(t, "mx2", snap.Model)
	require.Equal(t, "", snap.FirewallProfile, "every field is overwritten")
	require.JSONEq(t, `[]`, string(snap.Clients))
	require.True(t, snap.UpdatedAt.Equal(now))

	var dev store.Device
	require.NoError(t, db.Where("mac = ?", "aa:bb:cc:dd:ee:ff").First(&dev).Error)
	require.True(t, dev.LastSeen.Equal(now))
	require.False(t, dev.SSHEnabled)
	require.JSONEq(t, `{"mac":"aa:bb:cc:dd:ee:ff","model":"mx2"}`, string(dev.StatusRaw))

	require.Equal(t, []events.Type{events.TelemetryPushed, events.TelemetryPushed}, rec.Types())
}

func TestAcceptRequiresKnownDevice(t *testing.T) {
	db := storetest.Open(t)
	ing := New(db)
	ctx := context.Background()

	_, err := ing.Accept(ctx, []byte(`{"mac":"aa:bb:cc:dd:ee:ff"}`))
	require.ErrorIs(t, err, ErrUnknownDevice)

	require.NoError(t, db.Create(&store.Device{MAC: "aa:bb:cc:dd:ee:ff", Status: store.StatusRemoved, DeviceType: store.TypeRouter}).Error)
	_, err = ing.Accept(ctx, []byte(`{"mac":"aa:bb:cc:dd:ee:ff"}`))
	require.ErrorIs(t, err, ErrDeviceRemoved)
}
