package topology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/wiretide/wiretide/pkg/store"
	"github.com/wiretide/wiretide/pkg/store/storetest"
)

func privateOnly(t *testing.T) func(string) bool {
	r, err := New(nil, nil)
	require.NoError(t, err)
	return r.Private
}

func TestWifiSightingWinsInEitherOrder(t *testing.T) {
	a := Report{DeviceMAC: "00:00:00:00:00:0a", Hostname: "switch-a", DeviceType: store.TypeSwitch,
		Clients: []Sighting{{MAC: "AA:BB", ConnectedVia: "ethernet", IP: "192.168.1.20"}}}
	b := Report{DeviceMAC: "00:00:00:00:00:0b", Hostname: "ap-b", DeviceType: store.TypeAccessPoint,
		Clients: []Sighting{{MAC: "aa:bb", ConnectedVia: "wifi", Hostname: "laptop"}}}

	for _, order := range [][]Report{{a, b}, {b, a}} {
		out := Merge(order, nil, privateOnly(t))
		require.Len(t, out, 1)
		c := out[0]
		require.Equal(t, "aa:bb", c.MAC)
		require.Equal(t, Wifi, c.Type)
		require.Equal(t, "ap-b", c.ConnectedTo)
		require.Equal(t, "00:00:00:00:00:0b", c.ConnectedMAC)
		require.Equal(t, store.TypeAccessPoint, c.DeviceType)
		require.Equal(t, "laptop", *c.Hostname)
		require.Equal(t, "192.168.1.20", *c.IP, "backfilled from the ethernet sighting")
	}
}

func TestBackfillNeverDisplaces(t *testing.T) {
	out := Merge([]Report{
		{DeviceMAC: "d1", Hostname: "d1", Clients: []Sighting{{MAC: "c1", IP: "10.0.0.5", Hostname: "first"}}},
		{DeviceMAC: "d2", Hostname: "d2", Clients: []Sighting{{MAC: "c1", IP: "10.0.0.6", Hostname: "second"}}},
	}, nil, privateOnly(t))
	require.Len(t, out, 1)
	require.Equal(t, "10.0.0.5", *out[0].IP)
	require.Equal(t, "first", *out[0].Hostname)
	require.Equal(t, "d1", out[0].ConnectedTo, "ethernet sightings do not rebind")
	require.Equal(t, store.TypeUnknown, out[0].DeviceType)
}

func TestSkipsAndFilters(t *testing.T) {
	managed := map[string]bool{"00:00:00:00:00:0b": true}
	out := Merge([]Report{{DeviceMAC: "00:00:00:00:00:0a", Hostname: "r", Clients: []Sighting{
		{MAC: ""},
		{MAC: "0/0/0"},
		{MAC: "00:00:00:00:00:00"},
		{MAC: "00:00:00:00:00:0B"},
		{MAC: "c1", IP: "8.8.8.8", Hostname: "unknown"},
	}}}, managed, privateOnly(t))
	require.Len(t, out, 1)
	require.Equal(t, "c1", out[0].MAC)
	require.Nil(t, out[0].IP, "public address dropped")
	require.Nil(t, out[0].Hostname, "placeholder hostname dropped")
}

func TestOrdering(t *testing.T) {
	out := Merge([]Report{{DeviceMAC: "d", Hostname: "d", Clients: []Sighting{
		{MAC: "e2", Hostname: "beta"},
		{MAC: "zz"},
		{MAC: "w1", Hostname: "Zulu", ConnectedVia: "wifi"},
		{MAC: "e1", Hostname: "Alpha"},
		{MAC: "w2", ConnectedVia: "WiFi"},
	}}}, nil, privateOnly(t))

	var macs []string
	for _, c := range out {
		macs = append(macs, c.MAC)
	}
	require.Equal(t, []string{"w2", "w1", "e1", "e2", "zz"}, macs)
}

func TestPrivateNetworks(t *testing.T) {
	r, err := New(nil, []string{"192.168.188.0/24"})
	require.NoError(t, err)
	require.True(t, r.Private("192.168.188.7"))
	require.False(t, r.Private("192.168.1.7"))
	require.False(t, r.Private("garbage"))

	_, err = New(nil, []string{"not-a-cidr"})
	require.Error(t, err)
}

func seedDevice(t *testing.T, db *gorm.DB, mac, host string, status store.DeviceStatus, clients string, at time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&store.Device{MAC: mac, Hostname: host, Status: status, DeviceType: store.TypeRouter}).Error)
	if clients != "" {
		require.NoError(t, db.Create(&store.TelemetrySnapshot{MAC: mac, Clients: datatypes.JSON(clients), UpdatedAt: at}).Error)
	}
}

func TestReconcileFromStore(t *testing.T) {
	db := storetest.Open(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedDevice(t, db, "00:00:00:00:00:01", "core", store.StatusApproved,
		`[{"mac":"11:11:11:11:11:11","ip":"10.1.1.1","connected_via":"ethernet"},{"mac":"00:00:00:00:00:02"}]`, base)
	seedDevice(t, db, "00:00:00:00:00:02", "ap", store.StatusApproved,
		`[{"mac":"11:11:11:11:11:11","connected_via":"wifi","hostname":"phone","ip":42}, "junk"]`, base.Add(time.Minute))
	seedDevice(t, db, "00:00:00:00:00:03", "gone", store.StatusRemoved,
		`[{"mac":"22:22:22:22:22:22"}]`, base.Add(2*time.Minute))
	seedDevice(t, db, "00:00:00:00:00:04", "broken", store.StatusApproved, `{"not":"a list"}`, base)

	r, err := New(db, nil)
	require.NoError(t, err)
	out, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "11:11:11:11:11:11", out[0].MAC)
	require.Equal(t, Wifi, out[0].Type)
	require.Equal(t, "ap", out[0].ConnectedTo)
	require.Equal(t, "10.1.1.1", *out[0].IP)
	require.Equal(t, "phone", *out[0].Hostname)
}
