package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeerAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      PeerAddress
		wantError bool
	}{
		{name: "ipv4 with port", input: "192.0.2.10:7401", want: PeerAddress{Host: "192.0.2.10", Port: 7401}},
		{name: "hostname without port", input: "node.example.net", want: PeerAddress{Host: "node.example.net", Port: DefaultPort}},
		{name: "bracketed ipv6", input: "[2001:db8::1]:9000", want: PeerAddress{Host: "2001:db8::1", Port: 9000}},
		{name: "bare ipv6", input: "::1", want: PeerAddress{Host: "::1", Port: DefaultPort}},
		{name: "surrounding space", input: "  localhost:7400 ", want: PeerAddress{Host: "localhost", Port: 7400}},
		{name: "empty", input: "", wantError: true},
		{name: "scheme", input: "grpc://host:7400", wantError: true},
		{name: "missing host", input: ":7400", wantError: true},
		{name: "bad port", input: "host:http", wantError: true},
		{name: "port out of range", input: "host:70000", wantError: true},
		{name: "path in host", input: "host/x:7400", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeerAddress(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPeerAddressString(t *testing.T) {
	assert.Equal(t, "192.0.2.10:7400", PeerAddress{Host: "192.0.2.10", Port: 7400}.String())
	assert.Equal(t, "[2001:db8::1]:7400", PeerAddress{Host: "2001:db8::1", Port: 7400}.String())
}

func TestPeerAddressValidate(t *testing.T) {
	assert.NoError(t, PeerAddress{Host: "127.0.0.1", Port: 7400}.Validate())
	assert.Error(t, PeerAddress{Host: "0.0.0.0", Port: 7400}.Validate())
	assert.Error(t, PeerAddress{Host: "::", Port: 7400}.Validate())
	assert.Error(t, PeerAddress{Host: "127.0.0.1", Port: 0}.Validate())
	assert.Error(t, PeerAddress{Port: 7400}.Validate())
}

func TestNormalizePeers(t *testing.T) {
	got := NormalizePeers([]string{"b.example:7400", "a.example", "b.example:7400", "0.0.0.0:7400", "", "bad:port"})
	assert.Equal(t, []string{"a.example:7400", "b.example:7400"}, got)
}
