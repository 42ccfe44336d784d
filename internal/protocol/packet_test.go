package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_WireLayout(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
		want   []byte
	}{
		{"start", Start("main.py"), []byte("smain.py")},
		{"start ack", StartAck(), []byte("S")},
		{"chunk", Chunk(0x01020304, []byte("ab")), []byte{'c', 0x01, 0x02, 0x03, 0x04, 'a', 'b'}},
		{"chunk at zero", Chunk(0, nil), []byte{'c', 0, 0, 0, 0}},
		{"chunk ack", ChunkAck(0x7f), []byte{'C', 0x7f}},
		{"finish", Finish(), []byte("f")},
		{"finish ack", FinishAck(), []byte("F")},
		{"error", Error(""), []byte("e")},
		{"error with message", Error("no space"), []byte("eno space")},
		{"error ack", ErrorAck(), []byte("E")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.packet))
		})
	}
}

func TestEncode_FullChunkFitsLink(t *testing.T) {
	frag := make([]byte, 20)
	assert.Len(t, Encode(Chunk(40, frag)), 1+OffsetSize+20)
}

func TestDecode(t *testing.T) {
	p, err := Decode([]byte{'c', 0, 0, 0, 40, 'x', 'y', 'z'})
	require.NoError(t, err)
	assert.Equal(t, TypeChunk, p.Type)
	assert.Equal(t, uint32(40), p.Offset)
	assert.Equal(t, []byte("xyz"), p.Data)

	p, err = Decode([]byte("sapps/foo/main.py"))
	require.NoError(t, err)
	assert.Equal(t, "apps/foo/main.py", p.Filename)

	p, err = Decode([]byte{'C', 0xAB})
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), p.Ack)

	p, err = Decode([]byte("efile system full"))
	require.NoError(t, err)
	assert.Equal(t, TypeError, p.Type)
	assert.Equal(t, "file system full", p.Message)

	for _, tag := range []Type{TypeStartAck, TypeFinish, TypeFinishAck, TypeErrorAck} {
		p, err = Decode([]byte{byte(tag)})
		require.NoError(t, err)
		assert.Equal(t, tag, p.Type)
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyPacket)

	_, err = Decode([]byte("x"))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte{'c', 0, 0})
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = Decode([]byte("C"))
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "CHUNK_ACK", TypeChunkAck.String())
	assert.Equal(t, "START", TypeStart.String())
	assert.Contains(t, Type('z').String(), "UNKNOWN")
	assert.True(t, TypeErrorAck.Known())
	assert.False(t, Type('z').Known())
}

func TestValidFilename(t *testing.T) {
	assert.NoError(t, ValidFilename("apps/hello/__init__.py"))
	assert.ErrorIs(t, ValidFilename(""), ErrInvalidName)
	assert.ErrorIs(t, ValidFilename("café.py"), ErrInvalidName)
	assert.ErrorIs(t, ValidFilename("a\nb"), ErrInvalidName)
}

func TestOffset(t *testing.T) {
	off, err := Offset(40)
	require.NoError(t, err)
	assert.Equal(t, uint32(40), off)

	_, err = Offset(-1)
	assert.ErrorIs(t, err, ErrOffsetOverrun)
}
