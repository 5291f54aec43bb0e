package player

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"nodecast-proxy/work/logger"

	"github.com/benbjohnson/clock"
)

// Strategy is the current delivery path for the playing stream. Escalation
// only moves rightward: direct, then proxied, then remuxed or transcoded.
type Strategy string

const (
	StrategyDirect     Strategy = "direct"
	StrategyProxied    Strategy = "proxied"
	StrategyRemuxed    Strategy = "remuxed"
	StrategyTranscoded Strategy = "transcoded"
)

// Engine is an adaptive streaming engine instance. One engine plays one
// source; the controller destroys it before creating the next.
type Engine interface {
	LoadSource(url string)
	StartLoad()
	AttachMedia()
	RecoverMediaError()
	SwapAudioCodec()
	Destroy()
}

// MediaElement models the platform's media surface.
type MediaElement interface {
	Play()
	Pause()
	Paused() bool
	SetSource(url string)
	ClearSource()
	CurrentTime() float64
	SeekBy(seconds float64)
	Volume() float64
	SetVolume(v float64)
	Muted() bool
	SetMuted(m bool)
	CanPlayNativeHLS() bool
	ToggleFullscreen()
}

// Channel is one playable entry in the channel list.
type Channel struct {
	ID   string
	Name string
	URL  string
}

// ChannelList supplies the ordered, currently visible channels and accepts
// selections driven by channel navigation.
type ChannelList interface {
	VisibleChannels() []Channel
	Select(ch Channel)
}

// Settings hold the user-facing playback options.
type Settings struct {
	ArrowKeysChangeChannel bool
	OverlayDuration        time.Duration
	ForceProxy             bool
	ForceRemux             bool
	ForceTranscode         bool
	// ProxyDomains are hosts whose streams must go through the relay; their
	// CDNs reject cross-origin players.
	ProxyDomains []string
	// APIBase prefixes the relay/remux/transcode endpoints. Empty means
	// same-origin relative URLs.
	APIBase string
}

// DefaultSettings mirror the out-of-the-box player behaviour.
func DefaultSettings() Settings {
	return Settings{
		ArrowKeysChangeChannel: true,
		OverlayDuration:        5 * time.Second,
		ProxyDomains:           []string{"pluto.tv"},
	}
}

// ErrRawTransportStream is returned by Play when the stream is raw MPEG-TS
// and no remediation mode is enabled.
var ErrRawTransportStream = fmt.Errorf("raw MPEG-TS stream cannot be played directly")

// Options wire a Controller to its collaborators.
type Options struct {
	Media    MediaElement
	Channels ChannelList
	// NewEngine creates a software streaming engine. Nil means the platform
	// offers none and playback falls back to native HLS or direct assignment.
	NewEngine func() Engine
	Settings  Settings
	Clock     clock.Clock
	// OnTerminalError receives the user-visible message for unrecoverable
	// playback failures.
	OnTerminalError func(message string)
	// OnOverlayChange reports info overlay visibility transitions.
	OnOverlayChange func(visible bool)
}

// Controller owns playback for a single player surface: at most one engine
// instance lives at a time, and every play() starts from a clean slate of
// retry counters and timers. Methods are safe for concurrent use, though the
// expected caller is a single UI loop.
type Controller struct {
	mu        sync.Mutex
	clk       clock.Clock
	settings  Settings
	media     MediaElement
	channels  ChannelList
	newEng    func() Engine
	onError   func(string)
	onOverlay func(bool)

	engine         Engine
	currentChannel *Channel
	currentURL     string
	strategy       Strategy
	usingProxy     bool

	networkRetryCount    int
	lastNetworkErrorTime time.Time
	mediaErrorCount      int
	lastRecoveryAttempt  time.Time
	lastContinuity       int
	// nudgeOnDiscontinuity is live only for the engine created at
	// construction time. Per-channel engines trust the wider buffer
	// tolerance instead of seeking.
	nudgeOnDiscontinuity bool

	overlayVisible bool
	overlayTimer   *clock.Timer
	retryTimer     *clock.Timer
	seekTimer      *clock.Timer
}

// New builds a Controller. When an engine factory is available a generic
// engine is created up front, mirroring a player that attaches its streaming
// engine before the first channel is chosen.
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Settings.OverlayDuration <= 0 {
		opts.Settings.OverlayDuration = 5 * time.Second
	}

	c := &Controller{
		clk:            opts.Clock,
		settings:       opts.Settings,
		media:          opts.Media,
		channels:       opts.Channels,
		newEng:         opts.NewEngine,
		onError:        opts.OnTerminalError,
		onOverlay:      opts.OnOverlayChange,
		lastContinuity: -1,
	}
	if c.newEng != nil {
		c.engine = c.newEng()
		c.nudgeOnDiscontinuity = true
	}
	return c
}

// Play starts playback of a channel. Any prior engine is torn down and all
// retry state reset before the new stream is touched, so stale timers can
// never fire against the new channel.
func (c *Controller) Play(ch Channel, streamURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	c.resetCountersLocked()

	chCopy := ch
	c.currentChannel = &chCopy
	c.currentURL = streamURL

	// Transcoded streams bypass the streaming engine entirely; the
	// supervisor hands back fragmented MP4 the media element plays natively.
	if c.settings.ForceTranscode {
		c.strategy = StrategyTranscoded
		c.media.SetSource(c.transcodeURL(streamURL))
		c.media.Play()
		c.showOverlayLocked()
		logger.Info("{player/player - Play} %s via transcode", ch.Name)
		return nil
	}

	needsProxy := c.settings.ForceProxy || c.matchesProxyDomain(streamURL)
	c.usingProxy = needsProxy
	finalURL := streamURL
	if needsProxy {
		finalURL = c.proxiedURL(streamURL)
		c.strategy = StrategyProxied
	} else {
		c.strategy = StrategyDirect
	}

	looksLikeHLS := strings.Contains(finalURL, "m3u8")
	isRawTS := strings.Contains(finalURL, ".ts") && !strings.Contains(finalURL, ".m3u8")
	isExtensionless := !strings.Contains(finalURL, ".m3u8") &&
		!strings.Contains(finalURL, ".mp4") &&
		!strings.Contains(finalURL, ".mkv") &&
		!strings.Contains(finalURL, ".avi") &&
		!strings.Contains(finalURL, ".ts")

	// Remux covers raw TS and extension-less URLs that are assumed TS.
	if c.settings.ForceRemux && (isRawTS || isExtensionless) {
		c.strategy = StrategyRemuxed
		c.media.SetSource(c.remuxURL(streamURL))
		c.media.Play()
		c.showOverlayLocked()
		logger.Info("{player/player - Play} %s via remux", ch.Name)
		return nil
	}

	// Raw TS with no remediation enabled is terminal; direct assignment
	// would just fail opaquely inside the media element.
	if isRawTS {
		c.surfaceErrorLocked("This stream uses raw MPEG-TS format which cannot be played directly. " +
			"Enable remuxing in settings, or configure the source to output HLS.")
		return ErrRawTransportStream
	}

	switch {
	case looksLikeHLS && c.newEng != nil:
		c.engine = c.newEng()
		c.nudgeOnDiscontinuity = false
		c.engine.LoadSource(finalURL)
		c.engine.AttachMedia()
	case c.media.CanPlayNativeHLS():
		c.media.SetSource(finalURL)
		c.media.Play()
	default:
		c.media.SetSource(finalURL)
		c.media.Play()
	}

	c.showOverlayLocked()
	logger.Info("{player/player - Play} %s via %s", ch.Name, c.strategy)
	return nil
}

// Stop tears down the engine and clears the media element.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Strategy reports the current delivery strategy.
func (c *Controller) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// UsingProxy reports whether playback has escalated to the relay.
func (c *Controller) UsingProxy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usingProxy
}

// CurrentChannel returns the channel being played, or nil.
func (c *Controller) CurrentChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentChannel
}

func (c *Controller) stopLocked() {
	if c.engine != nil {
		c.engine.Destroy()
		c.engine = nil
	}
	c.cancelTimersLocked()
	c.media.Pause()
	c.media.ClearSource()
}

func (c *Controller) resetCountersLocked() {
	c.networkRetryCount = 0
	c.lastNetworkErrorTime = time.Time{}
	c.mediaErrorCount = 0
	c.lastRecoveryAttempt = time.Time{}
	c.lastContinuity = -1
	c.usingProxy = false
}

func (c *Controller) cancelTimersLocked() {
	for _, t := range []**clock.Timer{&c.retryTimer, &c.seekTimer, &c.overlayTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (c *Controller) matchesProxyDomain(streamURL string) bool {
	for _, domain := range c.settings.ProxyDomains {
		if strings.Contains(streamURL, domain) {
			return true
		}
	}
	return false
}

func (c *Controller) surfaceErrorLocked(msg string) {
	logger.Warn("{player/player - surfaceError} %s", msg)
	if c.onError != nil {
		c.onError(msg)
	}
}

func (c *Controller) proxiedURL(raw string) string {
	return c.settings.APIBase + "/api/proxy/stream?url=" + url.QueryEscape(raw)
}

func (c *Controller) remuxURL(raw string) string {
	return c.settings.APIBase + "/api/remux?url=" + url.QueryEscape(raw)
}

func (c *Controller) transcodeURL(raw string) string {
	return c.settings.APIBase + "/api/transcode?url=" + url.QueryEscape(raw)
}
