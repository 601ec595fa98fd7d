package flv

import (
	"bytes"
	"testing"

	"github.com/stagecast/stagecast/av"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterHeader(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewWriter("mem", &buf)
	require.NoError(t, err)

	want := append(append([]byte{}, flvHeader...), 0x00, 0x00, 0x00, 0x00)
	assert.Equal(t, want, buf.Bytes())
}

func TestWriterVideoTag(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter("mem", &buf)
	require.NoError(t, err)
	head := buf.Len()

	body := []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xaa, 0xbb}
	require.NoError(t, w.WritePacket(&av.Packet{
		IsVideo:   true,
		TimeStamp: 0x0102,
		Data:      body,
	}))

	tag := buf.Bytes()[head:]
	require.Len(t, tag, headerLen+len(body)+4)

	assert.Equal(t, byte(av.TAG_VIDEO), tag[0])
	// 3-byte body length
	assert.Equal(t, []byte{0x00, 0x00, 0x07}, tag[1:4])
	// 3-byte timestamp plus extension byte
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x00}, tag[4:8])
	// stream id
	assert.Equal(t, []byte{0x00, 0x00, 0x00}, tag[8:11])
	assert.Equal(t, body, tag[11:11+len(body)])
	// PreviousTagSize
	assert.Equal(t, []byte{0x00, 0x00, 0x00, byte(headerLen + len(body))}, tag[11+len(body):])
}

func TestWriterAudioAndMetadataTagTypes(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter("mem", &buf)
	require.NoError(t, err)

	head := buf.Len()
	require.NoError(t, w.WritePacket(&av.Packet{IsAudio: true, Data: []byte{0xaf, 0x01, 0x00}}))
	assert.Equal(t, byte(av.TAG_AUDIO), buf.Bytes()[head])

	head = buf.Len()
	require.NoError(t, w.WritePacket(&av.Packet{IsMetadata: true, Data: []byte{0x02}}))
	assert.Equal(t, byte(av.TAG_SCRIPTDATAAMF0), buf.Bytes()[head])
}

type closeCounter struct {
	bytes.Buffer
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestWriterCloseOnce(t *testing.T) {
	var cc closeCounter
	w, err := NewWriter("mem", &cc)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, cc.closes)
}
