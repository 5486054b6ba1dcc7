package distribution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wiretide/wiretide/pkg/events"
	"github.com/wiretide/wiretide/pkg/registry"
	"github.com/wiretide/wiretide/pkg/store"
	"github.com/wiretide/wiretide/pkg/store/storetest"
)

const mac = "aa:bb:cc:dd:ee:ff"

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		`{"b": 1, "a": {"d": [1, 2], "c": "x"}}`: `{"a":{"c":"x","d":[1,2]},"b":1}`,
		`{"n": 1.50, "big": 12345678901234567890}`: `{"big":12345678901234567890,"n":1.5}`,
		`{"html": "<a&b>", "u": "héllo"}`:          `{"html":"<a&b>","u":"h\u00e9llo"}`,
		` [ true , null ] `:                        `[true,null]`,
		`[1e-05, 1e16, 1E2, -0.0, 0.1, 1.5e16, -0]`: `[1e-05,1e+16,100.0,-0.0,0.1,1.5e+16,0]`,
		`{"ë": "😀\u007f\n"}`:                     `{"\u00eb":"\ud83d\ude00\u007f\n"}`,
	}
	for in, want := range cases {
		got, err := Canonical([]byte(in))
		require.NoError(t, err, in)
		require.Equal(t, want, string(got), in)
	}

	_, err := Canonical([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
	_, err = Canonical([]byte(`{`))
	require.Error(t, err)
}

// Digests of json.dumps(pkg, sort_keys=True, separators=(',', ':')), the
// form existing tooling computes.
func TestDigestCompatibleWithSortedASCIIDumps(t *testing.T) {
	cases := map[string]string{
		`{"ssid":"café"}`: "7d32eca4051d0498f1ef54006ef67359118057a4590822ae075257257ea95143",
		`{"mtu":1.50}`:    "307166f74bb3245327c68b4b1c1152ac3c75accb56c5b1dc5afcb73162b0332b",
		`{"fw":"v2"}`:     "41515486639cf3a4b4d07c781460aae11296ea4fb92e948a34a38055524f8b7d",
		`{"n":"😀\u007f","v":[1e-05,1e16,1E2,-0.0,12345678901234567890,0.1]}`: "6f14d6a9a252018c756fbf4d8754cc8a69b321af59e4fba5f516077fd450912e",
	}
	for in, want := range cases {
		got, err := Digest([]byte(in))
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestDigestMatchesSHA256OfCanonical(t *testing.T) {
	sum := sha256.Sum256([]byte(`{"fw":"v2"}`))
	d, err := Digest([]byte("{ \"fw\" : \"v2\" }"))
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(sum[:]), d)
}

func setup(t *testing.T) (*Distributor, *registry.Registry, *events.Recorder) {
	t.Helper()
	db := storetest.Open(t)
	reg := registry.New(db)
	rec := &events.Recorder{}
	return New(db, reg, WithEvents(rec)), reg, rec
}

func approved(t *testing.T, reg *registry.Registry) {
	t.Helper()
	ctx := context.Background()
	_, err := reg.Register(ctx, registry.Registration{MAC: mac, Hostname: "r1"})
	require.NoError(t, err)
	_, err = reg.Approve(ctx, mac, "router")
	require.NoError(t, err)
}

func digestOf(t *testing.T, pkg string) string {
	t.Helper()
	d, err := Digest([]byte(pkg))
	require.NoError(t, err)
	return d
}

func TestQueueFetchRoundTrip(t *testing.T) {
	d, reg, rec := setup(t)
	approved(t, reg)
	ctx := context.Background()

	pkg := `{"fw":"v2","wifi":{"ssid":"lab"}}`
	res, err := d.Queue(ctx, strings.ToUpper(mac), json.RawMessage(pkg), strings.ToUpper(digestOf(t, pkg)))
	require.NoError(t, err)
	require.Equal(t, []string{"fw", "wifi"}, res.Keys)

	got, err := d.Fetch(ctx, mac)
	require.NoError(t, err)
	require.True(t, got.Available)
	require.JSONEq(t, pkg, string(got.Package))
	require.Equal(t, digestOf(t, pkg), *got.SHA256)

	again, err := Digest(got.Package)
	require.NoError(t, err)
	require.Equal(t, *got.SHA256, again, "the receiver can verify what it got")

	require.Equal(t, []events.Type{events.ConfigQueued}, rec.Types())
}

func TestQueueIsLatestWins(t *testing.T) {
	d, reg, _ := setup(t)
	approved(t, reg)
	ctx := context.Background()

	for _, pkg := range []string{`{"fw":"v1"}`, `{"fw":"v2"}`} {
		_, err := d.Queue(ctx, mac, json.RawMessage(pkg), digestOf(t, pkg))
		require.NoError(t, err)
	}
	var count int64
	require.NoError(t, d.db.Model(&store.ConfigPackage{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	got, err := d.Fetch(ctx, mac)
	require.NoError(t, err)
	require.JSONEq(t, `{"fw":"v2"}`, string(got.Package))
}

func TestQueueRejects(t *testing.T) {
	d, reg, _ := setup(t)
	ctx := context.Background()
	pkg := `{"fw":"v2"}`

	_, err := d.Queue(ctx, mac, json.RawMessage(pkg), digestOf(t, pkg))
	require.ErrorIs(t, err, registry.ErrDeviceNotFound)

	_, err = reg.Register(ctx, registry.Registration{MAC: mac})
	require.NoError(t, err)
	_, err = d.Queue(ctx, mac, json.RawMessage(pkg), digestOf(t, pkg))
	require.ErrorIs(t, err, registry.ErrDeviceNotApproved)

	_, err = reg.Approve(ctx, mac, "router")
	require.NoError(t, err)
	_, err = d.Queue(ctx, mac, json.RawMessage(pkg), digestOf(t, `{"fw":"v3"}`))
	require.ErrorIs(t, err, ErrDigestMismatch)
	_, err = d.Queue(ctx, mac, json.RawMessage(`["not","object"]`), digestOf(t, `["not","object"]`))
	require.ErrorIs(t, err, ErrInvalidPackage)
	_, err = d.Queue(ctx, mac, json.RawMessage(`{broken`), "")
	require.ErrorIs(t, err, ErrInvalidPackage)
}

func TestFetchFailsClosed(t *testing.T) {
	d, reg, _ := setup(t)
	approved(t, reg)
	ctx := context.Background()

	empty, err := d.Fetch(ctx, mac)
	require.NoError(t, err)
	require.False(t, empty.Available)
	require.Nil(t, empty.SHA256)
	require.JSONEq(t, `{}`, string(empty.Package))

	pkg := `{"fw":"v2"}`
	_, err = d.Queue(ctx, mac, json.RawMessage(pkg), digestOf(t, pkg))
	require.NoError(t, err)

	_, err = reg.Remove(ctx, mac)
	require.NoError(t, err)
	_, err = d.Fetch(ctx, mac)
	require.ErrorIs(t, err, registry.ErrDeviceNotApproved)

	_, err = d.Fetch(ctx, "00:11:22:33:44:55")
	require.ErrorIs(t, err, registry.ErrDeviceNotFound)

	// The stored row survives removal but is unreachable through Fetch.
	row, err := d.Pending(ctx, mac)
	require.NoError(t, err)
	require.NotNil(t, row)
}
