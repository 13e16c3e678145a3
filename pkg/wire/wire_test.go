package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeek(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
		wantErr  bool
	}{
		{
			name:     "set-key frame",
			raw:      `{"type":"set-key","payload":"abcd"}`,
			wantType: "set-key",
		},
		{
			name:     "extra fields ignored",
			raw:      `{"type":"create-workspace","workspace":{"id":"w1"},"junk":true}`,
			wantType: "create-workspace",
		},
		{
			name:    "missing type",
			raw:     `{"payload":"abcd"}`,
			wantErr: true,
		},
		{
			name:    "empty type",
			raw:     `{"type":""}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `set-key please`,
			wantErr: true,
		},
		{
			name:    "type is not a string",
			raw:     `{"type":42}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Peek([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got)
		})
	}
}

func TestErrorFrameShape(t *testing.T) {
	frame := NewError(CodePermissionDenied, "editor required")
	raw, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, "PERMISSION_DENIED", decoded["code"])
	assert.Equal(t, "editor required", decoded["message"])
}

func TestIdentityFrameFlattens(t *testing.T) {
	raw := []byte(`{"type":"identity","publicKey":"ab12","displayName":"alice","color":"#fff"}`)

	var frame Identity
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "ab12", frame.PublicKey)
	assert.Equal(t, "alice", frame.DisplayName)
	assert.Equal(t, "#fff", frame.Color)

	out, err := json.Marshal(frame)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "ab12", decoded["publicKey"], "identity fields must stay flat on the frame")
}

func TestSyncRequestRoundTrip(t *testing.T) {
	frame := EncodeSyncRequest(42, []byte{0xde, 0xad, 0xbe, 0xef})

	kind, body, err := SplitBinary(frame)
	require.NoError(t, err)
	assert.Equal(t, BinSyncRequest, kind)

	seq, vector, err := DecodeSyncRequest(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, vector)
}

func TestSyncRequestEmptyVector(t *testing.T) {
	frame := EncodeSyncRequest(0, nil)

	_, body, err := SplitBinary(frame)
	require.NoError(t, err)

	seq, vector, err := DecodeSyncRequest(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
	assert.Empty(t, vector)
}

func TestSyncResponseRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x01, 0x02},
		{0x03},
		make([]byte, 4096),
	}
	frame := EncodeSyncResponse(7, payloads)

	kind, body, err := SplitBinary(frame)
	require.NoError(t, err)
	assert.Equal(t, BinSyncResponse, kind)

	seq, got, err := DecodeSyncResponse(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
	require.Len(t, got, 3)
	for i := range payloads {
		assert.Equal(t, payloads[i], got[i])
	}
}

func TestSyncResponseEmptyDiff(t *testing.T) {
	frame := EncodeSyncResponse(0, nil)

	_, body, err := SplitBinary(frame)
	require.NoError(t, err)

	seq, got, err := DecodeSyncResponse(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
	assert.Empty(t, got)
}

func TestSyncResponseTruncated(t *testing.T) {
	frame := EncodeSyncResponse(1, [][]byte{{0xaa, 0xbb, 0xcc}})

	_, body, err := SplitBinary(frame)
	require.NoError(t, err)

	_, _, err = DecodeSyncResponse(body[:len(body)-1])
	assert.Error(t, err)
}

func TestDecodeUpdate(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		wantErr error
	}{
		{name: "valid", body: []byte{0x01, 0x02, 0x03}},
		{name: "exactly two bytes", body: []byte{0x01, 0x02}},
		{name: "one byte", body: []byte{0x01}, wantErr: ErrShortUpdate},
		{name: "empty", body: nil, wantErr: ErrShortUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeUpdate(tt.body)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.body, got)
		})
	}
}

func TestSplitBinaryEmpty(t *testing.T) {
	_, _, err := SplitBinary(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}
