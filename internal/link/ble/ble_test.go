package ble

import (
	"testing"

	"badgexfer/internal/link"

	"github.com/stretchr/testify/assert"
)

func TestOptionsMatch(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		ad   Advertisement
		want bool
	}{
		{
			name: "name prefix",
			opts: Options{NamePrefix: "card10"},
			ad:   Advertisement{LocalName: "card10-1a2b"},
			want: true,
		},
		{
			name: "other device",
			opts: Options{NamePrefix: "card10"},
			ad:   Advertisement{LocalName: "headphones"},
			want: false,
		},
		{
			name: "service advertised",
			opts: Options{NamePrefix: "card10"},
			ad:   Advertisement{LocalName: "renamed", HasService: true},
			want: true,
		},
		{
			name: "address wins",
			opts: Options{NamePrefix: "card10", Address: "CA:4D:10:01:02:03"},
			ad:   Advertisement{Address: "ca:4d:10:01:02:03", LocalName: "x"},
			want: true,
		},
		{
			name: "address mismatch",
			opts: Options{NamePrefix: "card10", Address: "CA:4D:10:01:02:03"},
			ad:   Advertisement{Address: "CA:4D:10:01:02:04", LocalName: "card10"},
			want: false,
		},
		{
			name: "empty prefix matches nothing by name",
			opts: Options{},
			ad:   Advertisement{LocalName: "card10"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.Match(tt.ad))
		})
	}
}

func TestUUIDs(t *testing.T) {
	assert.Equal(t, "42230100-2342-2342-2342-234223422342", ServiceUUID.String())
	assert.Equal(t, "42230101-2342-2342-2342-234223422342", TxUUID.String())
	assert.Equal(t, "42230102-2342-2342-2342-234223422342", RxUUID.String())
}

func TestConnectionChanged(t *testing.T) {
	l := &Link{address: "CA:4D:10:01:02:03", inbox: link.NewInbox(1)}
	l.connected.Store(true)

	l.connectionChanged("CA:4D:10:01:02:04", false)
	assert.True(t, l.Connected(), "other devices are ignored")

	l.connectionChanged("CA:4D:10:01:02:03", true)
	assert.True(t, l.Connected())

	l.connectionChanged("ca:4d:10:01:02:03", false)
	assert.False(t, l.Connected())
	assert.ErrorIs(t, l.Send([]byte("s")), link.ErrNotConnected)
	_, ok := <-l.Packets()
	assert.False(t, ok, "inbox is closed on disconnect")

	// A repeated event is harmless.
	l.connectionChanged("CA:4D:10:01:02:03", false)
}
