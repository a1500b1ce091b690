package webrtc

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{G: 255, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func packetize(data []byte, chunk int, seq uint16) []*rtp.Packet {
	var pkts []*rtp.Packet
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		pkts = append(pkts, &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: seq, Marker: end == len(data)},
			Payload: data[off:end],
		})
		seq++
	}
	return pkts
}

func TestTrackSource_ReassemblesStillPictures(t *testing.T) {
	src := NewTrackSource("video/jpeg", nil, zap.NewNop().Sugar())

	_, ok := src.Frame()
	assert.False(t, ok)

	pkts := packetize(jpegBytes(t, 32, 16), 100, 1)
	require.Greater(t, len(pkts), 1)
	for _, p := range pkts[:len(pkts)-1] {
		src.Push(p)
	}
	_, ok = src.Frame()
	assert.False(t, ok, "no picture before the marker packet")

	src.Push(pkts[len(pkts)-1])
	img, ok := src.Frame()
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())

	decoded, failures := src.Counts()
	assert.Equal(t, uint64(1), decoded)
	assert.Zero(t, failures)
}

type failingDecoder struct{ calls int }

func (d *failingDecoder) Decode(string, []byte) (image.Image, error) {
	d.calls++
	return nil, errors.New("unsupported")
}

func TestTrackSource_DecodeFailuresAreCounted(t *testing.T) {
	dec := &failingDecoder{}
	src := NewTrackSource("video/jpeg", dec, zap.NewNop().Sugar())

	src.Push(&rtp.Packet{Header: rtp.Header{Marker: true}, Payload: []byte{1, 2, 3}})
	src.Push(&rtp.Packet{Header: rtp.Header{Marker: true}, Payload: []byte{4, 5, 6}})

	_, ok := src.Frame()
	assert.False(t, ok)
	_, failures := src.Counts()
	assert.Equal(t, uint64(2), failures)
	assert.Equal(t, 2, dec.calls)
}

func TestTrackSource_WarnsWhenCodecHasNoDecoder(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core).Sugar()

	NewTrackSource("video/jpeg", nil, logger)
	NewTrackSource(webrtc.MimeTypeH264, &failingDecoder{}, logger)
	assert.Zero(t, logs.Len())

	NewTrackSource(webrtc.MimeTypeVP8, nil, logger)
	entries := logs.TakeAll()
	require.Len(t, entries, 1)
	assert.Equal(t, webrtc.MimeTypeVP8, entries[0].ContextMap()["codec"])
}

func TestStillImageDecoder_RejectsGarbage(t *testing.T) {
	_, err := StillImageDecoder{}.Decode("video/jpeg", []byte("not an image"))
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestIsKeyframe(t *testing.T) {
	assert.True(t, isKeyframe(webrtc.MimeTypeVP8, []byte{0x10, 0x02}))
	assert.False(t, isKeyframe(webrtc.MimeTypeVP8, []byte{0x11, 0x02}))

	idr := []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 1, 0x65, 0x88}
	nonIDR := []byte{0, 0, 0, 1, 0x41, 0x9a}
	assert.True(t, isKeyframe(webrtc.MimeTypeH264, idr))
	assert.False(t, isKeyframe(webrtc.MimeTypeH264, nonIDR))

	assert.True(t, isKeyframe("video/jpeg", []byte{0xff}))
	assert.False(t, isKeyframe(webrtc.MimeTypeVP8, nil))
}
