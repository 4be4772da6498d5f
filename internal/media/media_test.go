package media

import (
	"context"
	"testing"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAudioOnly(t *testing.T) {
	p := NewSyntheticProvider()
	tracks, err := p.AcquireLocalMedia(context.Background(), Audio)
	require.NoError(t, err)

	require.NotNil(t, tracks.Audio)
	assert.Nil(t, tracks.Video)
	assert.Equal(t, KindAudio, tracks.Audio.Kind())
	assert.True(t, tracks.Audio.Enabled())
	assert.EqualValues(t, 1, p.Acquisitions())
	assert.EqualValues(t, 1, p.LiveTracks())
}

func TestAcquireVideoUsesFrontCamera(t *testing.T) {
	p := NewSyntheticProvider()
	tracks, err := p.AcquireLocalMedia(context.Background(), Video)
	require.NoError(t, err)

	require.NotNil(t, tracks.Video)
	assert.Equal(t, FacingUser, tracks.Video.Facing())
	assert.Equal(t, "cam-front", tracks.Video.DeviceID())
	assert.Len(t, tracks.All(), 2)
	assert.Same(t, tracks.Video, tracks.Get(KindVideo))
}

func TestPermissionDenied(t *testing.T) {
	p := NewSyntheticProvider()
	p.Deny(true)
	_, err := p.AcquireLocalMedia(context.Background(), Audio)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.EqualValues(t, 0, p.LiveTracks())
}

func TestVideoWithoutCamera(t *testing.T) {
	p := NewSyntheticProvider(WithDevices(DefaultDevices[0]))
	_, err := p.AcquireLocalMedia(context.Background(), Video)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.EqualValues(t, 0, p.LiveTracks(), "audio track must be released on failure")
}

func TestPromptHonoursCancellation(t *testing.T) {
	p := NewSyntheticProvider(WithPromptDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.AcquireLocalMedia(ctx, Audio)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireVideoSwitchUnsupported(t *testing.T) {
	p := NewSyntheticProvider(WithDevices(DefaultDevices[0], DefaultDevices[1]))
	_, err := p.AcquireVideo(context.Background(), FacingEnvironment)
	assert.ErrorIs(t, err, ErrSwitchUnsupported)

	track, err := p.AcquireVideo(context.Background(), FacingUser)
	require.NoError(t, err)
	assert.Equal(t, FacingUser, track.Facing())
}

func TestStopTracksIsIdempotent(t *testing.T) {
	p := NewSyntheticProvider()
	tracks, err := p.AcquireLocalMedia(context.Background(), Video)
	require.NoError(t, err)

	p.StopTracks(tracks)
	p.StopTracks(tracks)
	assert.True(t, tracks.Audio.Stopped())
	assert.True(t, tracks.Video.Stopped())
	assert.EqualValues(t, 0, p.LiveTracks())
}

func TestWriteSampleDroppedWhenDisabled(t *testing.T) {
	track, err := NewTrack(KindAudio, "a", "s", "mic-0", "")
	require.NoError(t, err)

	track.SetEnabled(false)
	assert.NoError(t, track.WriteSample(pionmedia.Sample{Data: []byte{0xf8}, Duration: 20 * time.Millisecond}))
	track.Stop()
	assert.NoError(t, track.WriteSample(pionmedia.Sample{Data: []byte{0xf8}, Duration: 20 * time.Millisecond}))
}

func TestSyntheticTracksCarryFrames(t *testing.T) {
	p := NewSyntheticProvider()
	tracks, err := p.AcquireLocalMedia(context.Background(), Video)
	require.NoError(t, err)

	for _, track := range tracks.All() {
		require.Eventually(t, func() bool { return track.Frames() > 2 }, time.Second, 10*time.Millisecond, "%s frames", track.Kind())
	}

	tracks.Audio.SetEnabled(false)
	time.Sleep(50 * time.Millisecond)
	muted := tracks.Audio.Frames()

	p.StopTracks(tracks)
	<-tracks.Video.Done()
	time.Sleep(50 * time.Millisecond)
	stopped := tracks.Video.Frames()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, muted, tracks.Audio.Frames(), "muted tracks send nothing")
	assert.Equal(t, stopped, tracks.Video.Frames(), "stopped tracks send nothing")
}

func TestEnumerateDevices(t *testing.T) {
	p := NewSyntheticProvider()
	devices, err := p.EnumerateDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 3)

	devices[0].Label = "mutated"
	again, _ := p.EnumerateDevices(context.Background())
	assert.Equal(t, "Default microphone", again[0].Label)
}

func TestParseCallType(t *testing.T) {
	ct, err := ParseCallType("video")
	require.NoError(t, err)
	assert.Equal(t, Video, ct)

	_, err = ParseCallType("hologram")
	assert.Error(t, err)
	assert.Equal(t, FacingUser, FacingEnvironment.Opposite())
}
