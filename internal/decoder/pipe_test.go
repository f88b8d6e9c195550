package decoder

import (
	"bytes"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castreceiver/pkg/models"
)

var hd = models.VideoParams{Width: 1920, Height: 1080, FPS: 30}

func TestPipeDecoderStdoutSink(t *testing.T) {
	var out bytes.Buffer
	d := NewPipeDecoder(StdoutSink, &out)

	require.NoError(t, d.Initialize(hd, NamedSurface("tv")))
	assert.Equal(t, hd, d.Params())
	assert.True(t, d.AcquireInput(time.Millisecond))

	idr := []byte{0, 0, 0, 1, 0x65, 0x01}
	inter := []byte{0, 0, 0, 1, 0x41, 0x02}
	require.NoError(t, d.SubmitInput(idr, 0))
	require.NoError(t, d.SubmitInput(nil, 0))
	require.NoError(t, d.SubmitInput(inter, 33))

	status, err := d.PollOutput(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutputFormatChanged, status)

	for i := 0; i < 2; i++ {
		status, err = d.PollOutput(time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, OutputReady, status)
		require.NoError(t, d.RenderOutput())
	}

	status, err = d.PollOutput(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutputNotReady, status)
	assert.Error(t, d.RenderOutput())

	assert.Equal(t, append(idr, inter...), out.Bytes())
	require.NoError(t, d.Release())
}

func TestPipeDecoderDiscard(t *testing.T) {
	d := NewPipeDecoder("", nil)

	require.NoError(t, d.Initialize(hd, nil))
	require.NoError(t, d.SubmitInput([]byte{0, 0, 0, 1, 0x41}, 0))
	require.NoError(t, d.Release())
}

func TestPipeDecoderNotInitialized(t *testing.T) {
	d := NewPipeDecoder("", nil)

	assert.False(t, d.AcquireInput(time.Millisecond))
	assert.ErrorIs(t, d.SubmitInput([]byte{1}, 0), ErrNotInitialized)
	_, err := d.PollOutput(time.Millisecond)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, d.Release())
}

func TestPipeDecoderReleaseAndReinitialize(t *testing.T) {
	var out bytes.Buffer
	d := NewPipeDecoder(StdoutSink, &out)

	require.NoError(t, d.Initialize(hd, nil))
	assert.Error(t, d.Initialize(hd, nil))
	require.NoError(t, d.Release())
	require.NoError(t, d.Release())

	small := models.VideoParams{Width: 640, Height: 480, FPS: 15}
	require.NoError(t, d.Initialize(small, nil))
	assert.Equal(t, small, d.Params())
	require.NoError(t, d.Release())
}

func TestPipeDecoderRunsCommand(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	d := NewPipeDecoder("cat", nil)

	require.NoError(t, d.Initialize(hd, NamedSurface("tv")))
	require.NoError(t, d.SubmitInput([]byte{0, 0, 0, 1, 0x67, 0x42}, 0))
	require.NoError(t, d.Release())
	assert.False(t, d.AcquireInput(time.Millisecond))
}

func TestPipeDecoderMissingCommand(t *testing.T) {
	d := NewPipeDecoder("castreceiver-no-such-player -f h264 -", nil)

	err := d.Initialize(hd, nil)
	assert.ErrorContains(t, err, "failed to start")
	assert.False(t, d.AcquireInput(time.Millisecond))
}
