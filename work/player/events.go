package player

import (
	"time"

	"nodecast-proxy/work/logger"
)

// ErrorKind classifies engine-reported errors.
type ErrorKind string

const (
	ErrorNetwork ErrorKind = "network"
	ErrorMedia   ErrorKind = "media"
	ErrorOther   ErrorKind = "other"
)

// Details values with dedicated handling.
const (
	DetailFragParsing  = "fragParsingError"
	DetailBufferAppend = "bufferAppendError"
)

// ErrorEvent is one engine error, already discriminated by the adapter.
type ErrorEvent struct {
	Kind    ErrorKind
	Fatal   bool
	Details string
}

// FragChangedEvent marks a fragment boundary. CC is the transport stream
// continuity counter for the new fragment.
type FragChangedEvent struct {
	CC          int
	InitSegment bool
}

// Retry and recovery tuning. An error episode ends after 30 seconds of
// quiet; recovery attempts are rate limited to one per 2 seconds, and errors
// arriving within 5 seconds of the last recovery count toward the heavier
// audio-codec-swap escalation.
const (
	maxNetworkRetries    = 3
	networkEpisodeWindow = 30 * time.Second
	recoveryCooldown     = 2 * time.Second
	mediaErrorWindow     = 5 * time.Second
	mediaErrorsForSwap   = 3
	fragSeekDelay        = 200 * time.Millisecond
	fragSeekAmount       = 1.0
)

// HandleManifestParsed starts playback once the engine has a manifest.
func (c *Controller) HandleManifestParsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media.Play()
}

// HandleEngineError runs the error state machine. Network errors retry with
// backoff and escalate to the relay; media errors recover in place; anything
// else fatal stops the session.
func (c *Controller) HandleEngineError(ev ErrorEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return
	}

	if ev.Fatal {
		switch ev.Kind {
		case ErrorNetwork:
			c.handleFatalNetworkLocked(ev)
		case ErrorMedia:
			logger.Info("{player/events - HandleEngineError} Fatal media error, attempting recovery")
			c.engine.RecoverMediaError()
		default:
			logger.Error("{player/events - HandleEngineError} Unrecoverable error: %s", ev.Details)
			c.stopLocked()
		}
		return
	}

	switch {
	case ev.Kind == ErrorMedia:
		c.handleNonFatalMediaLocked(ev)
	case ev.Details == DetailBufferAppend:
		logger.Info("{player/events - HandleEngineError} Buffer append error, recovering")
		c.engine.RecoverMediaError()
	}
}

// handleFatalNetworkLocked retries up to three times with linear backoff,
// then escalates to the relay. A fresh error after 30 quiet seconds starts a
// new episode. Once proxied there is nowhere left to escalate, only restart.
func (c *Controller) handleFatalNetworkLocked(ev ErrorEvent) {
	now := c.clk.Now()
	c.networkRetryCount++
	if !c.lastNetworkErrorTime.IsZero() && now.Sub(c.lastNetworkErrorTime) > networkEpisodeWindow {
		c.networkRetryCount = 1
	}
	c.lastNetworkErrorTime = now

	switch {
	case c.networkRetryCount <= maxNetworkRetries && !c.usingProxy:
		delay := time.Duration(c.networkRetryCount) * time.Second
		logger.Info("{player/events - handleFatalNetwork} Network error (attempt %d/%d), retrying in %s: %s",
			c.networkRetryCount, maxNetworkRetries, delay, ev.Details)
		if c.retryTimer != nil {
			c.retryTimer.Stop()
		}
		c.retryTimer = c.clk.AfterFunc(delay, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.engine != nil {
				c.engine.StartLoad()
			}
		})

	case !c.usingProxy:
		logger.Info("{player/events - handleFatalNetwork} Retries exhausted, escalating to relay")
		c.networkRetryCount = 0
		c.usingProxy = true
		c.strategy = StrategyProxied
		c.engine.LoadSource(c.proxiedURL(c.currentURL))
		c.engine.StartLoad()

	default:
		logger.Info("{player/events - handleFatalNetwork} Network error on relay, restarting load")
		c.engine.StartLoad()
	}
}

// handleNonFatalMediaLocked recovers from decode glitches with a cooldown.
// Three errors inside the 5 second window trigger the audio codec swap, and
// parsing errors during active playback get a small forward seek to hop the
// corrupted region.
func (c *Controller) handleNonFatalMediaLocked(ev ErrorEvent) {
	now := c.clk.Now()
	sinceRecovery := now.Sub(c.lastRecoveryAttempt)

	if !c.lastRecoveryAttempt.IsZero() && sinceRecovery < mediaErrorWindow {
		c.mediaErrorCount++
	} else {
		c.mediaErrorCount = 1
	}

	if !c.lastRecoveryAttempt.IsZero() && sinceRecovery <= recoveryCooldown {
		logger.Debug("{player/events - handleNonFatalMedia} In recovery cooldown, skipping: %s", ev.Details)
		return
	}

	logger.Info("{player/events - handleNonFatalMedia} Media error (%dx): %s", c.mediaErrorCount, ev.Details)
	c.lastRecoveryAttempt = now

	if c.mediaErrorCount >= mediaErrorsForSwap {
		logger.Info("{player/events - handleNonFatalMedia} Repeated media errors, swapping audio codec")
		c.engine.SwapAudioCodec()
		c.mediaErrorCount = 0
	}

	c.engine.RecoverMediaError()

	if ev.Details == DetailFragParsing && !c.media.Paused() && c.media.CurrentTime() > 0 {
		if c.seekTimer != nil {
			c.seekTimer.Stop()
		}
		c.seekTimer = c.clk.AfterFunc(fragSeekDelay, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if !c.media.Paused() {
				c.media.SeekBy(fragSeekAmount)
			}
		})
	}
}

// HandleFragChanged tracks continuity counter transitions across fragment
// boundaries. The generic init-path engine nudges the clock forward slightly
// to help the decoder resynchronize; the per-channel path only logs.
func (c *Controller) HandleFragChanged(ev FragChangedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.InitSegment {
		return
	}
	if ev.CC == c.lastContinuity {
		return
	}

	logger.Debug("{player/events - HandleFragChanged} Discontinuity: CC %d -> %d", c.lastContinuity, ev.CC)
	c.lastContinuity = ev.CC

	if c.nudgeOnDiscontinuity && !c.media.Paused() && c.media.CurrentTime() > 0 {
		c.media.SeekBy(0.01)
	}
}
