package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/l2sm/overlayd/internal/fabric"
	"github.com/l2sm/overlayd/internal/overlay"
	"github.com/l2sm/overlayd/internal/server"
	"github.com/l2sm/overlayd/pkg/overlayv1"
)

func sampleNetwork() overlayv1.Network {
	return overlayv1.Network{
		ID:          "blue",
		Shape:       overlayv1.ShapeMultiPoint,
		MainProgram: "overlay-main-blue-g3",
		Shortcuts:   2,
		Ports: []overlayv1.Member{
			{Port: "of:1/1", TunnelID: 7},
			{Port: "of:3/1", TunnelID: 9},
		},
		Hosts: []overlayv1.Host{{MAC: "02:00:00:00:00:01", Port: "of:1/1"}},
	}
}

func TestFormatNetworksTable(t *testing.T) {
	out, err := formatNetworks([]overlayv1.Network{sampleNetwork()}, formatTable)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "SHAPE")
	assert.Contains(t, lines[1], "blue")
	assert.Contains(t, lines[1], "multi_point")
	assert.Contains(t, lines[1], "overlay-main-blue-g3")
}

func TestFormatNetworkStructured(t *testing.T) {
	n := sampleNetwork()

	out, err := formatNetwork(n, formatJSON)
	require.NoError(t, err)
	var fromJSON networkView
	require.NoError(t, json.Unmarshal([]byte(out), &fromJSON))
	assert.Equal(t, networkToView(n), fromJSON)

	out, err = formatNetwork(n, formatYAML)
	require.NoError(t, err)
	var fromYAML networkView
	require.NoError(t, yaml.Unmarshal([]byte(out), &fromYAML))
	assert.Equal(t, networkToView(n), fromYAML)
	assert.Contains(t, out, "tunnel_id: 7")
}

func TestFormatUnsupported(t *testing.T) {
	_, err := formatNetwork(sampleNetwork(), "xml")
	assert.True(t, errors.Is(err, errUnsupportedFormat))
}

func TestFormatDecisionTable(t *testing.T) {
	out, err := formatDecision(&overlayv1.PacketInResponse{}, formatTable)
	require.NoError(t, err)
	assert.Contains(t, out, "not handled")

	out, err = formatDecision(&overlayv1.PacketInResponse{
		Handled: true,
		Action:  overlayv1.ActionFlood,
		Network: "blue",
		Ports:   []string{"of:3/1"},
	}, formatTable)
	require.NoError(t, err)
	assert.Equal(t, "flood network=blue ports=of:3/1\n", out)
}

func TestDecodeFrameHex(t *testing.T) {
	b, err := decodeFrameHex("ff:ff:ff ff\n0a0b")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0x0a, 0x0b}, b)

	_, err = decodeFrameHex("zz")
	assert.Error(t, err)
}

func TestBuildLinkSpec(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		path    []string
		want    *overlayv1.LinkSpec
		wantErr error
	}{
		{name: "plain network"},
		{name: "path without link", path: []string{"of:1"}, wantErr: errPathNeedsLink},
		{name: "missing to", from: "of:1/1", wantErr: errLinkEndpoints},
		{
			name: "link with path",
			from: "of:1/1", to: "of:2/1", path: []string{"of:1", "of:2"},
			want: &overlayv1.LinkSpec{From: "of:1/1", To: "of:2/1", Path: []string{"of:1", "of:2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildLinkSpec(tt.from, tt.to, tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// startDaemon serves the overlay API from an in-process manager and
// returns its host:port.
func startDaemon(t *testing.T) string {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	inst := fabric.NewMemoryInstaller(logger)
	t.Cleanup(func() { _ = inst.Close() })

	links := fabric.Bidirectional([]fabric.Link{
		{Src: fabric.MustParsePort("of:1/10"), Dst: fabric.MustParsePort("of:2/11")},
	})
	mgr, err := overlay.NewManager(logger, fabric.NewStaticTopology(links), inst, overlay.WithWorkers(1))
	require.NoError(t, err)
	require.NoError(t, mgr.Open(context.Background()))
	t.Cleanup(func() { _ = mgr.Close() })

	path, handler := server.New(mgr, nil, logger)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return strings.TrimPrefix(srv.URL, "http://")
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(append([]string{"--addr", addr, "--format", formatTable}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCommandsAgainstDaemon(t *testing.T) {
	addr := startDaemon(t)

	out, err := run(t, addr, "network", "create", "red")
	require.NoError(t, err)
	assert.Equal(t, "Network red created.\n", out)

	_, err = run(t, addr, "network", "add-port", "red", "of:1/1")
	require.NoError(t, err)
	_, err = run(t, addr, "network", "add-port", "red", "of:2/1")
	require.NoError(t, err)

	out, err = run(t, addr, "network", "show", "red")
	require.NoError(t, err)
	assert.Contains(t, out, "point_to_point")
	assert.Contains(t, out, "of:1/1")
	assert.Contains(t, out, "of:2/1")

	out, err = run(t, addr, "packet-in", "--port", "of:9/9", "--hex", "00")
	require.NoError(t, err)
	assert.Contains(t, out, "not handled")

	out, err = run(t, addr, "network", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "red")

	_, err = run(t, addr, "network", "delete", "red")
	require.NoError(t, err)

	_, err = run(t, addr, "network", "show", "red")
	assert.Error(t, err)
}

func TestPacketInRequiresPort(t *testing.T) {
	_, err := run(t, "localhost:1", "packet-in", "--hex", "00")
	assert.ErrorIs(t, err, errPortRequired)
}
