package player

// Key names follow the platform keyboard event convention.
const (
	KeySpace       = " "
	KeyK           = "k"
	KeyF           = "f"
	KeyM           = "m"
	KeyI           = "i"
	KeyArrowUp     = "ArrowUp"
	KeyArrowDown   = "ArrowDown"
	KeyArrowLeft   = "ArrowLeft"
	KeyArrowRight  = "ArrowRight"
	KeyPageUp      = "PageUp"
	KeyPageDown    = "PageDown"
	KeyChannelUp   = "ChannelUp"
	KeyChannelDown = "ChannelDown"
)

const volumeStep = 0.1

// HandleKey applies one keyboard shortcut. inputFocused suppresses all
// shortcuts so typing in a text field never drives the player.
func (c *Controller) HandleKey(key string, inputFocused bool) {
	if inputFocused {
		return
	}

	switch key {
	case KeySpace, KeyK:
		c.togglePlayPause()
	case KeyF:
		c.media.ToggleFullscreen()
	case KeyM:
		c.media.SetMuted(!c.media.Muted())
	case KeyArrowUp:
		if c.settings.ArrowKeysChangeChannel {
			c.ChannelUp()
		} else {
			c.adjustVolume(volumeStep)
		}
	case KeyArrowDown:
		if c.settings.ArrowKeysChangeChannel {
			c.ChannelDown()
		} else {
			c.adjustVolume(-volumeStep)
		}
	case KeyArrowLeft:
		// Left/right handle volume only while up/down are navigating.
		if c.settings.ArrowKeysChangeChannel {
			c.adjustVolume(-volumeStep)
		}
	case KeyArrowRight:
		if c.settings.ArrowKeysChangeChannel {
			c.adjustVolume(volumeStep)
		}
	case KeyPageUp, KeyChannelUp:
		c.ChannelUp()
	case KeyPageDown, KeyChannelDown:
		c.ChannelDown()
	case KeyI:
		c.ToggleOverlay()
	}
}

func (c *Controller) togglePlayPause() {
	if c.media.Paused() {
		c.media.Play()
	} else {
		c.media.Pause()
	}
}

func (c *Controller) adjustVolume(delta float64) {
	v := c.media.Volume() + delta
	if v > 1 {
		v = 1
	}
	if v < 0 {
		v = 0
	}
	c.media.SetVolume(v)
}

// ChannelUp selects the previous visible channel, wrapping from the first to
// the last. With no list or an empty list it does nothing.
func (c *Controller) ChannelUp() {
	c.navigate(func(idx, count int) int {
		if idx <= 0 {
			return count - 1
		}
		return idx - 1
	})
}

// ChannelDown selects the next visible channel, wrapping from the last back
// to the first.
func (c *Controller) ChannelDown() {
	c.navigate(func(idx, count int) int {
		if idx >= count-1 {
			return 0
		}
		return idx + 1
	})
}

func (c *Controller) navigate(pick func(idx, count int) int) {
	if c.channels == nil {
		return
	}
	visible := c.channels.VisibleChannels()
	if len(visible) == 0 {
		return
	}

	c.mu.Lock()
	currentIdx := -1
	if c.currentChannel != nil {
		for i, ch := range visible {
			if ch.ID == c.currentChannel.ID {
				currentIdx = i
				break
			}
		}
	}
	c.mu.Unlock()

	c.channels.Select(visible[pick(currentIdx, len(visible))])
}

// ShowOverlay makes the info overlay visible and arms the auto-hide timer.
// No channel, no overlay.
func (c *Controller) ShowOverlay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.showOverlayLocked()
}

// HideOverlay hides the overlay and cancels any pending auto-hide.
func (c *Controller) HideOverlay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hideOverlayLocked()
}

// ToggleOverlay flips overlay visibility.
func (c *Controller) ToggleOverlay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overlayVisible {
		c.hideOverlayLocked()
	} else {
		c.showOverlayLocked()
	}
}

// OverlayVisible reports the overlay state.
func (c *Controller) OverlayVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlayVisible
}

func (c *Controller) showOverlayLocked() {
	if c.currentChannel == nil {
		return
	}
	if c.overlayTimer != nil {
		c.overlayTimer.Stop()
	}
	c.setOverlayLocked(true)
	c.overlayTimer = c.clk.AfterFunc(c.settings.OverlayDuration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.setOverlayLocked(false)
	})
}

func (c *Controller) hideOverlayLocked() {
	if c.overlayTimer != nil {
		c.overlayTimer.Stop()
		c.overlayTimer = nil
	}
	c.setOverlayLocked(false)
}

func (c *Controller) setOverlayLocked(visible bool) {
	if c.overlayVisible == visible {
		return
	}
	c.overlayVisible = visible
	if c.onOverlay != nil {
		c.onOverlay(visible)
	}
}
