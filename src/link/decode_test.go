package link

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFloat32(t *testing.T) {
	binary4 := make([]byte, 4)
	binary.LittleEndian.PutUint32(binary4, math.Float32bits(16.8))

	tests := []struct {
		name     string
		payload  []byte
		expected float32
	}{
		{"plain text", []byte("12.6"), 12.6},
		{"padded text", []byte(" 15.356\n"), 15.356},
		{"integer text", []byte("48"), 48},
		{"json data", []byte(`{"data": 16.8}`), 16.8},
		{"binary float32", binary4, 16.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFloat32(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDecodeFloat32_BinaryStartingWithBrace(t *testing.T) {
	payload := []byte{0x7b, 0x64, 0x23, 0x41}
	got, err := DecodeFloat32(payload)
	require.NoError(t, err)
	assert.Equal(t, math.Float32frombits(0x4123647b), got)
	assert.InDelta(t, 10.212, got, 0.001)

	// Every pack voltage whose low byte is '{'
	buf := make([]byte, 4)
	for hi := math.Float32bits(10) >> 8; hi <= math.Float32bits(30)>>8; hi++ {
		want := math.Float32frombits(hi<<8 | '{')
		binary.LittleEndian.PutUint32(buf, hi<<8|'{')
		got, err := DecodeFloat32(buf)
		require.NoError(t, err, "bytes % x", buf)
		require.Equal(t, want, got)
	}
}

func TestDecodeFloat32_Rejects(t *testing.T) {
	for _, payload := range []string{"", "unavailable", "Undefined", "NaN", "abc", `{"other": 1}`, `{"data": }`} {
		_, err := DecodeFloat32([]byte(payload))
		assert.Error(t, err, "payload %q", payload)
	}

	nan := make([]byte, 4)
	binary.LittleEndian.PutUint32(nan, math.Float32bits(float32(math.NaN())))
	_, err := DecodeFloat32(nan)
	assert.Error(t, err)
}

func TestDecodeInt(t *testing.T) {
	tests := []struct {
		payload  string
		expected int
	}{
		{"4", 4},
		{" 13 ", 13},
		{"6.0", 6},
		{`{"value": 12}`, 12},
	}
	for _, tt := range tests {
		got, err := DecodeInt([]byte(tt.payload))
		require.NoError(t, err, tt.payload)
		assert.Equal(t, tt.expected, got)
	}

	for _, payload := range []string{"", "4.5", "four", `{"data": 4}`} {
		_, err := DecodeInt([]byte(payload))
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" MQTT ")
	require.NoError(t, err)
	assert.Equal(t, KindMQTT, k)

	_, err = ParseKind("rosserial")
	assert.Error(t, err)
}
