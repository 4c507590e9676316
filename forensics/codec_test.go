package forensics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munitionsys/munition/runtime"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		dump *Dump
	}{
		{
			name: "fuel exhausted, no memory",
			dump: &Dump{
				Cause:                 Cause{Kind: CauseFuelExhausted},
				FuelConsumed:          1000,
				FuelRemaining:         0,
				WallTimeNs:            5000,
				CapturedAtNs:          123456,
				Function:              "spin",
				Args:                  []runtime.Value{runtime.I32(1)},
				RequestedCapabilities: []string{"time"},
				GrantedCapabilities:   []string{"time", "compute"},
			},
		},
		{
			name: "trap with memory pages",
			dump: &Dump{
				Cause:        Cause{Kind: CauseTrap, TrapKind: runtime.TrapUnreachable, TrapMessage: "unreachable executed"},
				FuelConsumed: 42,
				FuelRemaining: 958,
				WallTimeNs:    7777,
				CapturedAtNs:  999,
				MemoryPages:   []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0},
				Globals:       []runtime.Value{runtime.I64(7), runtime.F64(3.5)},
				Function:      "boom",
			},
		},
		{
			name: "host denied",
			dump: &Dump{
				Cause:                Cause{Kind: CauseHostDenied, DeniedCapability: "filesystem_read"},
				Function:             "read",
				RequestedCapabilities: []string{"time"},
			},
		},
		{
			name: "memory truncated flag round trips",
			dump: &Dump{
				Cause:           Cause{Kind: CauseInvalidModule},
				MemoryTruncated: true,
			},
		},
		{
			name: "degraded capture detail appended to cause",
			dump: &Dump{
				Cause: Cause{Kind: CauseTrap, TrapKind: runtime.TrapStackOverflow, TrapMessage: "stack overflow", Detail: "memory unreadable: out of bounds"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			encoded, err := Encode(test.dump)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)

			assert.Equal(t, test.dump.Cause, decoded.Cause)
			assert.Equal(t, test.dump.FuelConsumed, decoded.FuelConsumed)
			assert.Equal(t, test.dump.FuelRemaining, decoded.FuelRemaining)
			assert.Equal(t, test.dump.WallTimeNs, decoded.WallTimeNs)
			assert.Equal(t, test.dump.CapturedAtNs, decoded.CapturedAtNs)
			assert.Equal(t, test.dump.MemoryPages, decoded.MemoryPages)
			assert.Equal(t, test.dump.MemoryTruncated, decoded.MemoryTruncated)
			assert.Equal(t, test.dump.Globals, decoded.Globals)
			assert.Equal(t, test.dump.Function, decoded.Function)
			assert.Equal(t, test.dump.Args, decoded.Args)
			assert.Equal(t, test.dump.RequestedCapabilities, decoded.RequestedCapabilities)
			assert.Equal(t, test.dump.GrantedCapabilities, decoded.GrantedCapabilities)
		})
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	encoded, err := Encode(&Dump{Cause: Cause{Kind: CauseTimeout}})
	require.NoError(t, err)
	encoded[0] = 'X'
	// corrupting a magic byte also corrupts the CRC input, so Decode must
	// reject on the CRC check before ever inspecting the magic.
	_, err = Decode(encoded)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	encoded, err := Encode(&Dump{Cause: Cause{Kind: CauseTimeout}})
	require.NoError(t, err)
	_, err = Decode(encoded[:len(encoded)-10])
	require.Error(t, err)
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	encoded, err := Encode(&Dump{Cause: Cause{Kind: CauseTimeout}})
	require.NoError(t, err)
	encoded[len(encoded)-1] ^= 0xFF
	_, err = Decode(encoded)
	require.Error(t, err)
}

func TestEmptyMemoryUsesNoneCodec(t *testing.T) {
	d := &Dump{Cause: Cause{Kind: CauseInvalidModule}}
	encoded, err := Encode(d)
	require.NoError(t, err)
	assert.Equal(t, byte(codecNone), encoded[6], "codec tag follows the 4-byte magic and 2-byte version")
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded.MemoryPages)
}
