package fabric_test

import (
	"errors"
	"testing"

	"github.com/l2sm/overlayd/internal/fabric"
)

func TestParsePort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    fabric.Port
		wantErr bool
	}{
		{name: "openflow device", in: "of:0000000000000001/3", want: fabric.Port{Device: "of:0000000000000001", Number: 3}},
		{name: "device with slash", in: "rack1/leaf2/48", want: fabric.Port{Device: "rack1/leaf2", Number: 48}},
		{name: "missing number", in: "of:1/", wantErr: true},
		{name: "missing device", in: "/3", wantErr: true},
		{name: "no separator", in: "of:1", wantErr: true},
		{name: "non numeric", in: "of:1/eth0", wantErr: true},
		{name: "overflow", in: "of:1/4294967296", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := fabric.ParsePort(tt.in)
			if tt.wantErr {
				if !errors.Is(err, fabric.ErrInvalidPort) {
					t.Fatalf("ParsePort(%q) error = %v, want ErrInvalidPort", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePort(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePort(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestMACClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        string
		broadcast bool
		multicast bool
	}{
		{in: "ff:ff:ff:ff:ff:ff", broadcast: true, multicast: true},
		{in: "01:00:5e:00:00:fb", multicast: true},
		{in: "33:33:00:00:00:01", multicast: true},
		{in: "02:42:ac:11:00:02"},
	}

	for _, tt := range tests {
		mac, err := fabric.ParseMAC(tt.in)
		if err != nil {
			t.Fatalf("ParseMAC(%q): %v", tt.in, err)
		}
		if mac.IsBroadcast() != tt.broadcast {
			t.Errorf("%s IsBroadcast = %v, want %v", tt.in, mac.IsBroadcast(), tt.broadcast)
		}
		if mac.IsMulticast() != tt.multicast {
			t.Errorf("%s IsMulticast = %v, want %v", tt.in, mac.IsMulticast(), tt.multicast)
		}
		if mac.IsUnicast() == tt.multicast {
			t.Errorf("%s IsUnicast = %v, want %v", tt.in, mac.IsUnicast(), !tt.multicast)
		}
		if mac.String() != tt.in {
			t.Errorf("String() = %q, want %q", mac.String(), tt.in)
		}
	}
}

func TestParseMACRejectsEUI64(t *testing.T) {
	t.Parallel()

	_, err := fabric.ParseMAC("02:00:5e:10:00:00:00:01")
	if !errors.Is(err, fabric.ErrInvalidMAC) {
		t.Fatalf("ParseMAC(EUI-64) error = %v, want ErrInvalidMAC", err)
	}
}

func TestMACTextRoundTrip(t *testing.T) {
	t.Parallel()

	want := fabric.MAC{0x02, 0, 0, 0, 0, 0x0a}
	text, err := want.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	var got fabric.MAC
	if err := got.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText(%q): %v", text, err)
	}
	if got != want {
		t.Errorf("round trip = %s, want %s", got, want)
	}
}

func TestProgramDevices(t *testing.T) {
	t.Parallel()

	p := &fabric.Program{
		Rules: []fabric.Rule{
			{Device: "of:2"},
			{Device: "of:1"},
			{Device: "of:2"},
		},
		Groups: []fabric.ReplicationGroup{{Device: "of:3"}, {Device: "of:1"}},
	}

	got := p.Devices()
	want := []fabric.DeviceID{"of:2", "of:1", "of:3"}
	if len(got) != len(want) {
		t.Fatalf("Devices() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Devices()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
