package listen

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/notify"
	"github.com/roman-kulish/listening-post/internal/session/sessiontest"
	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/telemetry"
	"github.com/roman-kulish/listening-post/internal/waterfall"
)

var band = spectrum.Range{Start: 144e6, End: 146e6, Step: 12.5e3}

type streamFixture struct {
	reserver *sessiontest.Reserver
	backend  *sessiontest.Backend
	pipe     *sessiontest.Pipe
	relay    *Relay
	notes    *notify.Recorder
	c        *Coordinator
}

func newStreamFixture(t *testing.T, startErr error) *streamFixture {
	t.Helper()

	f := &streamFixture{
		reserver: &sessiontest.Reserver{},
		backend:  &sessiontest.Backend{StartErr: startErr},
		pipe:     sessiontest.NewPipe(),
		relay:    NewRelay(),
		notes:    &notify.Recorder{},
	}

	sb := NewStreamBackend("rtl0", f.reserver, f.backend, sessiontest.NewOpener(&sessiontest.Dialer{Pipe: f.pipe}), f.relay)
	f.c = New(sb, WithConfig(testConfig()), WithPlayer(f.relay), WithNotifier(f.notes))
	t.Cleanup(func() {
		require.NoError(t, f.c.Close(context.Background()))
	})
	return f
}

func TestStreamBackend_FailedStartReleasesOnce(t *testing.T) {
	f := newStreamFixture(t, &control.BackendError{Status: "error", Message: "decoder failed to launch"})

	err := f.c.RequestListen(context.Background(), tune(118e6), true)
	require.Error(t, err)

	reserves, releases, held := f.reserver.Counts()
	assert.Equal(t, 1, reserves)
	assert.Equal(t, 1, releases)
	assert.False(t, held)

	st := f.c.Status()
	assert.Equal(t, StateError, st.State)
	assert.Nil(t, st.Params)
	assert.Len(t, f.notes.Entries(), 1)

	require.NoError(t, f.c.Stop(context.Background()))
	_, releases, _ = f.reserver.Counts()
	assert.Equal(t, 1, releases)
}

func TestStreamBackend_RetuneInPlace(t *testing.T) {
	f := newStreamFixture(t, nil)

	require.NoError(t, f.c.RequestListen(context.Background(), tune(118e6), true))
	require.NoError(t, f.c.RequestListen(context.Background(), tune(121.5e6), true))

	sent := f.pipe.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, telemetry.CommandTune, sent[0].Cmd)
	assert.Equal(t, 121.5e6, sent[0].Frequency)
	assert.Equal(t, "rtl0", sent[0].Device)

	reserves, _, held := f.reserver.Counts()
	assert.Equal(t, 1, reserves, "retune keeps the claim")
	assert.True(t, held)
	assert.Equal(t, 121.5e6, f.c.Status().Params.Frequency)
}

func TestStreamBackend_RetuneRejected(t *testing.T) {
	f := newStreamFixture(t, nil)

	require.NoError(t, f.c.RequestListen(context.Background(), tune(118e6), true))

	f.pipe.Ack = telemetry.Ack{Status: telemetry.AckError, Message: "out of range"}
	err := f.c.RequestListen(context.Background(), tune(1.9e9), true)

	var backendErr *control.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "out of range", backendErr.Message)

	st := f.c.Status()
	assert.Equal(t, StateListening, st.State)
	assert.Equal(t, 118e6, st.Params.Frequency)
}

func TestStreamBackend_DecoderError(t *testing.T) {
	f := newStreamFixture(t, nil)

	require.NoError(t, f.c.RequestListen(context.Background(), tune(118e6), true))

	audio, detach := f.relay.Attach()
	defer detach()

	f.pipe.Binary([]byte{0x10, 0x20})
	assert.Equal(t, []byte{0x10, 0x20}, <-audio)

	f.pipe.Text(`{"type":"log","log_type":"error","message":"decoder crashed"}`)

	require.Eventually(t, func() bool {
		return f.c.Status().State == StateError
	}, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, f.c.Status().LastError, "decoder crashed")
	require.Eventually(t, func() bool {
		_, releases, held := f.reserver.Counts()
		return releases == 1 && !held
	}, 2*time.Second, 5*time.Millisecond)

	entries := f.notes.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Listen session ended", entries[0].Title)
}

func TestStreamBackend_SuspendsWaterfall(t *testing.T) {
	registry := device.NewRegistry()
	wfPipe := sessiontest.NewPipe()
	wf, err := waterfall.NewSession("rtl0", registry, &sessiontest.Backend{},
		sessiontest.NewOpener(&sessiontest.Dialer{Pipe: wfPipe}),
		waterfall.Config{Width: 64, Height: 8, MaxRowsPerSecond: 100})
	require.NoError(t, err)

	_, err = wf.Start(context.Background(), band)
	require.NoError(t, err)

	pipe := sessiontest.NewPipe()
	sb := NewStreamBackend("rtl0", registry, &sessiontest.Backend{}, sessiontest.NewOpener(&sessiontest.Dialer{Pipe: pipe}), NewRelay())
	c := New(sb, WithConfig(testConfig()), WithWaterfall(wf))

	require.NoError(t, c.RequestListen(context.Background(), tune(145.5e6), true))
	assert.False(t, wf.Active())

	holder, ok := registry.Holder()
	require.True(t, ok)
	assert.Equal(t, device.PurposeListen, holder.Purpose)

	require.NoError(t, c.Stop(context.Background()))
	require.Eventually(t, wf.Active, 2*time.Second, 5*time.Millisecond)

	holder, ok = registry.Holder()
	require.True(t, ok)
	assert.Equal(t, device.PurposeWaterfall, holder.Purpose)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, wf.Stop(context.Background()))
}
