package player

import (
	"net/url"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	loadedSources []string
	startLoads    int
	attached      bool
	recoveries    int
	codecSwaps    int
	destroyed     bool
}

func (e *fakeEngine) LoadSource(u string) { e.loadedSources = append(e.loadedSources, u) }
func (e *fakeEngine) StartLoad()          { e.startLoads++ }
func (e *fakeEngine) AttachMedia()        { e.attached = true }
func (e *fakeEngine) RecoverMediaError()  { e.recoveries++ }
func (e *fakeEngine) SwapAudioCodec()     { e.codecSwaps++ }
func (e *fakeEngine) Destroy()            { e.destroyed = true }

type fakeMedia struct {
	source      string
	playing     bool
	currentTime float64
	volume      float64
	muted       bool
	nativeHLS   bool
	seeks       []float64
	fullscreen  bool
}

func (m *fakeMedia) Play()                { m.playing = true }
func (m *fakeMedia) Pause()               { m.playing = false }
func (m *fakeMedia) Paused() bool         { return !m.playing }
func (m *fakeMedia) SetSource(u string)   { m.source = u }
func (m *fakeMedia) ClearSource()         { m.source = "" }
func (m *fakeMedia) CurrentTime() float64 { return m.currentTime }

func (m *fakeMedia) SeekBy(s float64) {
	m.seeks = append(m.seeks, s)
	m.currentTime += s
}
func (m *fakeMedia) Volume() float64        { return m.volume }
func (m *fakeMedia) SetVolume(v float64)    { m.volume = v }
func (m *fakeMedia) Muted() bool            { return m.muted }
func (m *fakeMedia) SetMuted(v bool)        { m.muted = v }
func (m *fakeMedia) CanPlayNativeHLS() bool { return m.nativeHLS }
func (m *fakeMedia) ToggleFullscreen()      { m.fullscreen = !m.fullscreen }

type fakeChannels struct {
	visible  []Channel
	selected []Channel
}

func (f *fakeChannels) VisibleChannels() []Channel { return f.visible }
func (f *fakeChannels) Select(ch Channel)          { f.selected = append(f.selected, ch) }

type harness struct {
	ctrl     *Controller
	media    *fakeMedia
	clk      *clock.Mock
	channels *fakeChannels
	engines  []*fakeEngine
	errors   []string
}

// lastEngine returns the most recently created engine.
func (h *harness) lastEngine() *fakeEngine { return h.engines[len(h.engines)-1] }

func newHarness(t *testing.T, settings Settings, withEngine bool) *harness {
	t.Helper()
	h := &harness{
		media:    &fakeMedia{volume: 0.8},
		clk:      clock.NewMock(),
		channels: &fakeChannels{},
	}
	opts := Options{
		Media:    h.media,
		Channels: h.channels,
		Settings: settings,
		Clock:    h.clk,
		OnTerminalError: func(msg string) {
			h.errors = append(h.errors, msg)
		},
	}
	if withEngine {
		opts.NewEngine = func() Engine {
			e := &fakeEngine{}
			h.engines = append(h.engines, e)
			return e
		}
	}
	h.ctrl = New(opts)
	return h
}

const hlsURL = "http://provider.example/live/chan/index.m3u8"

func TestPlayHLSUsesEngine(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)

	require.NoError(t, h.ctrl.Play(Channel{ID: "1", Name: "One"}, hlsURL))

	eng := h.lastEngine()
	assert.True(t, eng.attached)
	require.Len(t, eng.loadedSources, 1)
	assert.Equal(t, hlsURL, eng.loadedSources[0])
	assert.Equal(t, StrategyDirect, h.ctrl.Strategy())
	assert.False(t, h.ctrl.UsingProxy())

	// The construction-time engine was torn down first.
	assert.True(t, h.engines[0].destroyed)
}

func TestPlayForceProxyStartsProxied(t *testing.T) {
	s := DefaultSettings()
	s.ForceProxy = true
	h := newHarness(t, s, true)

	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))

	assert.Equal(t, StrategyProxied, h.ctrl.Strategy())
	assert.True(t, h.ctrl.UsingProxy())
	assert.Equal(t, "/api/proxy/stream?url="+url.QueryEscape(hlsURL), h.lastEngine().loadedSources[0])
}

func TestPlayProxyRequiredDomain(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)

	plutoURL := "https://cdn.pluto.tv/live/chan/index.m3u8"
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, plutoURL))

	assert.True(t, h.ctrl.UsingProxy())
	assert.Contains(t, h.lastEngine().loadedSources[0], "/api/proxy/stream?url=")
}

func TestPlayForceTranscodeBypassesEngine(t *testing.T) {
	s := DefaultSettings()
	s.ForceTranscode = true
	h := newHarness(t, s, true)

	raw := "http://provider.example/live/ch.ts"
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, raw))

	assert.Equal(t, StrategyTranscoded, h.ctrl.Strategy())
	assert.Equal(t, "/api/transcode?url="+url.QueryEscape(raw), h.media.source)
	assert.True(t, h.media.playing)
	// No per-channel engine was created.
	assert.Len(t, h.engines, 1)
}

func TestPlayRawTSWithRemuxEnabled(t *testing.T) {
	s := DefaultSettings()
	s.ForceRemux = true
	h := newHarness(t, s, true)

	raw := "http://provider.example/live/ch.ts"
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, raw))

	assert.Equal(t, StrategyRemuxed, h.ctrl.Strategy())
	assert.Equal(t, "/api/remux?url="+url.QueryEscape(raw), h.media.source)
}

func TestPlayExtensionlessWithRemuxEnabled(t *testing.T) {
	s := DefaultSettings()
	s.ForceRemux = true
	h := newHarness(t, s, true)

	raw := "http://provider.example/stream/12345"
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, raw))
	assert.Equal(t, StrategyRemuxed, h.ctrl.Strategy())
}

func TestPlayRawTSWithoutRemuxIsTerminal(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)

	err := h.ctrl.Play(Channel{ID: "1"}, "http://provider.example/live/ch.ts")
	assert.ErrorIs(t, err, ErrRawTransportStream)
	require.Len(t, h.errors, 1)
	assert.Contains(t, h.errors[0], "MPEG-TS")
	// No direct assignment was attempted.
	assert.Empty(t, h.media.source)
}

func TestPlayNativeHLSFallback(t *testing.T) {
	h := newHarness(t, DefaultSettings(), false)
	h.media.nativeHLS = true

	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	assert.Equal(t, hlsURL, h.media.source)
	assert.True(t, h.media.playing)
}

func TestNetworkErrorRetriesWithBackoffThenEscalates(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	eng := h.lastEngine()

	netErr := ErrorEvent{Kind: ErrorNetwork, Fatal: true, Details: "manifestLoadError"}

	for attempt := 1; attempt <= 3; attempt++ {
		h.ctrl.HandleEngineError(netErr)
		assert.Equal(t, attempt-1, eng.startLoads, "retry must wait for backoff")
		h.clk.Add(time.Duration(attempt) * time.Second)
		assert.Equal(t, attempt, eng.startLoads)
		assert.False(t, h.ctrl.UsingProxy())
	}

	// Fourth error in the same episode escalates to the relay.
	h.ctrl.HandleEngineError(netErr)
	assert.True(t, h.ctrl.UsingProxy())
	assert.Equal(t, StrategyProxied, h.ctrl.Strategy())
	require.Len(t, eng.loadedSources, 2)
	assert.Equal(t, "/api/proxy/stream?url="+url.QueryEscape(hlsURL), eng.loadedSources[1])
	assert.Equal(t, 4, eng.startLoads)
}

func TestNetworkErrorEpisodeResetsAfterQuietPeriod(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	eng := h.lastEngine()

	netErr := ErrorEvent{Kind: ErrorNetwork, Fatal: true}
	for attempt := 1; attempt <= 3; attempt++ {
		h.ctrl.HandleEngineError(netErr)
		h.clk.Add(time.Duration(attempt) * time.Second)
	}

	// More than 30 quiet seconds: the next error starts a new episode and
	// retries instead of escalating.
	h.clk.Add(31 * time.Second)
	h.ctrl.HandleEngineError(netErr)
	assert.False(t, h.ctrl.UsingProxy())
	h.clk.Add(time.Second)
	assert.Equal(t, 4, eng.startLoads)
}

func TestNetworkErrorWhileProxiedJustRestarts(t *testing.T) {
	s := DefaultSettings()
	s.ForceProxy = true
	h := newHarness(t, s, true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	eng := h.lastEngine()

	h.ctrl.HandleEngineError(ErrorEvent{Kind: ErrorNetwork, Fatal: true})
	assert.Equal(t, 1, eng.startLoads)
	assert.Len(t, eng.loadedSources, 1, "no re-escalation once proxied")
}

func TestFatalMediaErrorRecovers(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))

	h.ctrl.HandleEngineError(ErrorEvent{Kind: ErrorMedia, Fatal: true})
	assert.Equal(t, 1, h.lastEngine().recoveries)
	assert.False(t, h.ctrl.UsingProxy(), "media errors never escalate the proxy state")
}

func TestFatalOtherErrorStopsPlayback(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	eng := h.lastEngine()

	h.ctrl.HandleEngineError(ErrorEvent{Kind: ErrorOther, Fatal: true, Details: "keySystemError"})
	assert.True(t, eng.destroyed)
	assert.Empty(t, h.media.source)
}

func TestMediaErrorSwapAfterThreeInWindow(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	eng := h.lastEngine()

	ev := ErrorEvent{Kind: ErrorMedia, Fatal: false, Details: "bufferStalledError"}

	h.ctrl.HandleEngineError(ev)
	assert.Equal(t, 1, eng.recoveries)
	assert.Equal(t, 0, eng.codecSwaps)

	h.clk.Add(3 * time.Second)
	h.ctrl.HandleEngineError(ev)
	assert.Equal(t, 2, eng.recoveries)
	assert.Equal(t, 0, eng.codecSwaps)

	h.clk.Add(3 * time.Second)
	h.ctrl.HandleEngineError(ev)
	assert.Equal(t, 3, eng.recoveries)
	assert.Equal(t, 1, eng.codecSwaps)
}

func TestMediaErrorRecoveryCooldown(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	eng := h.lastEngine()

	ev := ErrorEvent{Kind: ErrorMedia, Fatal: false}
	h.ctrl.HandleEngineError(ev)
	h.clk.Add(time.Second)
	h.ctrl.HandleEngineError(ev)

	assert.Equal(t, 1, eng.recoveries, "second error inside the 2s cooldown is not recovered")
}

func TestFragParsingErrorSeeksPastCorruption(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	h.media.playing = true
	h.media.currentTime = 10

	h.ctrl.HandleEngineError(ErrorEvent{Kind: ErrorMedia, Fatal: false, Details: DetailFragParsing})
	assert.Empty(t, h.media.seeks, "seek waits for the short delay")

	h.clk.Add(200 * time.Millisecond)
	require.Len(t, h.media.seeks, 1)
	assert.Equal(t, 1.0, h.media.seeks[0])
}

func TestFragChangedNudgesOnlyOnGenericPath(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	h.media.playing = true
	h.media.currentTime = 10

	// Construction-time engine path applies the resync nudge.
	h.ctrl.HandleFragChanged(FragChangedEvent{CC: 1})
	require.Len(t, h.media.seeks, 1)
	assert.Equal(t, 0.01, h.media.seeks[0])

	// Same CC again is not a discontinuity.
	h.ctrl.HandleFragChanged(FragChangedEvent{CC: 1})
	assert.Len(t, h.media.seeks, 1)

	// Init segments never count.
	h.ctrl.HandleFragChanged(FragChangedEvent{CC: 2, InitSegment: true})
	assert.Len(t, h.media.seeks, 1)

	// Per-channel path logs discontinuities but does not seek.
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	h.media.playing = true
	h.media.currentTime = 10
	h.media.seeks = nil
	h.ctrl.HandleFragChanged(FragChangedEvent{CC: 5})
	assert.Empty(t, h.media.seeks)
}

func TestPlayResetsEscalationState(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	firstEngine := h.lastEngine()

	netErr := ErrorEvent{Kind: ErrorNetwork, Fatal: true}
	for i := 0; i < 4; i++ {
		h.ctrl.HandleEngineError(netErr)
		h.clk.Add(5 * time.Second)
	}
	require.True(t, h.ctrl.UsingProxy())

	require.NoError(t, h.ctrl.Play(Channel{ID: "2"}, hlsURL))
	assert.True(t, firstEngine.destroyed)
	assert.False(t, h.ctrl.UsingProxy())
	assert.Equal(t, StrategyDirect, h.ctrl.Strategy())
}

func TestChannelNavigationWraps(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	h.channels.visible = []Channel{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	// No current channel: up lands on the last entry.
	h.ctrl.ChannelUp()
	require.Len(t, h.channels.selected, 1)
	assert.Equal(t, "c", h.channels.selected[0].ID)

	require.NoError(t, h.ctrl.Play(Channel{ID: "a"}, hlsURL))
	h.ctrl.ChannelUp()
	assert.Equal(t, "c", h.channels.selected[1].ID)

	require.NoError(t, h.ctrl.Play(Channel{ID: "c"}, hlsURL))
	h.ctrl.ChannelDown()
	assert.Equal(t, "a", h.channels.selected[2].ID)

	require.NoError(t, h.ctrl.Play(Channel{ID: "b"}, hlsURL))
	h.ctrl.ChannelDown()
	assert.Equal(t, "c", h.channels.selected[3].ID)
}

func TestChannelNavigationEmptyListIsNoop(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	h.ctrl.ChannelUp()
	h.ctrl.ChannelDown()
	assert.Empty(t, h.channels.selected)
}

func TestKeyboardContract(t *testing.T) {
	s := DefaultSettings()
	s.ArrowKeysChangeChannel = false
	h := newHarness(t, s, true)
	h.channels.visible = []Channel{{ID: "a"}, {ID: "b"}}

	h.ctrl.HandleKey(KeySpace, false)
	assert.True(t, h.media.playing)
	h.ctrl.HandleKey(KeyK, false)
	assert.False(t, h.media.playing)

	h.ctrl.HandleKey(KeyM, false)
	assert.True(t, h.media.muted)

	h.ctrl.HandleKey(KeyF, false)
	assert.True(t, h.media.fullscreen)

	// Volume mode: up/down adjust volume, left/right do nothing.
	h.ctrl.HandleKey(KeyArrowUp, false)
	assert.InDelta(t, 0.9, h.media.volume, 0.001)
	h.ctrl.HandleKey(KeyArrowUp, false)
	assert.InDelta(t, 1.0, h.media.volume, 0.001, "volume clamps at 1")
	h.ctrl.HandleKey(KeyArrowDown, false)
	assert.InDelta(t, 0.9, h.media.volume, 0.001)
	h.ctrl.HandleKey(KeyArrowLeft, false)
	assert.InDelta(t, 0.9, h.media.volume, 0.001)

	// Page keys always navigate.
	h.ctrl.HandleKey(KeyPageDown, false)
	require.Len(t, h.channels.selected, 1)

	// Focused text input swallows everything.
	h.ctrl.HandleKey(KeyM, true)
	assert.True(t, h.media.muted)
}

func TestKeyboardChannelMode(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	h.channels.visible = []Channel{{ID: "a"}, {ID: "b"}}
	h.media.volume = 0.5

	h.ctrl.HandleKey(KeyArrowUp, false)
	assert.Len(t, h.channels.selected, 1)

	// Left/right fall back to volume while up/down navigate.
	h.ctrl.HandleKey(KeyArrowRight, false)
	assert.InDelta(t, 0.6, h.media.volume, 0.001)
	h.ctrl.HandleKey(KeyArrowLeft, false)
	assert.InDelta(t, 0.5, h.media.volume, 0.001)
}

func TestOverlayAutoHide(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	assert.True(t, h.ctrl.OverlayVisible())

	h.clk.Add(5 * time.Second)
	assert.False(t, h.ctrl.OverlayVisible())

	h.ctrl.HandleKey(KeyI, false)
	assert.True(t, h.ctrl.OverlayVisible())
	h.ctrl.HandleKey(KeyI, false)
	assert.False(t, h.ctrl.OverlayVisible())
}

func TestOverlayRequiresChannel(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	h.ctrl.ShowOverlay()
	assert.False(t, h.ctrl.OverlayVisible())
}

func TestManifestParsedStartsPlayback(t *testing.T) {
	h := newHarness(t, DefaultSettings(), true)
	require.NoError(t, h.ctrl.Play(Channel{ID: "1"}, hlsURL))
	h.media.playing = false

	h.ctrl.HandleManifestParsed()
	assert.True(t, h.media.playing)
}
