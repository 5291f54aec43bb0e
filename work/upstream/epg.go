package upstream

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/sources"
	"nodecast-proxy/work/utils"
)

// Guide is a parsed XMLTV document.
type Guide struct {
	Channels   []GuideChannel `json:"channels"`
	Programmes []Programme    `json:"programmes"`
}

// GuideChannel is one channel declaration from the guide.
type GuideChannel struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Icon        string `json:"icon,omitempty"`
}

// Programme is one scheduled programme. Start and Stop are epoch milliseconds
// so the payload round-trips through the cache without timezone surprises.
type Programme struct {
	Channel     string `json:"channel"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Start       int64  `json:"start"`
	Stop        int64  `json:"stop"`
}

// ChannelNow is the answer for one channel: what is on and what comes next.
type ChannelNow struct {
	Current  *Programme  `json:"current"`
	Upcoming []Programme `json:"upcoming"`
}

// maxUpcoming caps the upcoming list per channel.
const maxUpcoming = 5

// xmltv mirrors the XMLTV document structure for decoding.
type xmltv struct {
	XMLName    xml.Name         `xml:"tv"`
	Channels   []xmltvChannel   `xml:"channel"`
	Programmes []xmltvProgramme `xml:"programme"`
}

type xmltvChannel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
	Icon        struct {
		Src string `xml:"src,attr"`
	} `xml:"icon"`
}

type xmltvProgramme struct {
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Channel string `xml:"channel,attr"`
	Title   string `xml:"title"`
	Desc    string `xml:"desc"`
}

// FetchEPG downloads and parses the XMLTV guide for a source. For xtream
// sources the provider's xmltv.php endpoint is used; epg sources are fetched
// at their configured URL.
func (f *Fetcher) FetchEPG(ctx context.Context, src *sources.Source) (*Guide, error) {
	target := src.URL
	if src.Type == sources.TypeXtream {
		target = XmltvURL(src)
	}

	f.limiterFor(src.ID).Take()

	body, err := f.fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	guide, err := ParseXMLTV(body)
	if err != nil {
		return nil, err
	}
	logger.Debug("{upstream/epg - FetchEPG} Parsed %d channels, %d programmes from %s",
		len(guide.Channels), len(guide.Programmes), utils.LogURL(f.cfg.ObfuscateUrls, target))
	return guide, nil
}

// ParseXMLTV decodes an XMLTV document. Programmes with unparseable
// timestamps are dropped; one bad entry must not sink a multi-megabyte guide.
func ParseXMLTV(body []byte) (*Guide, error) {
	var doc xmltv
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse XMLTV: %w", err)
	}

	guide := &Guide{
		Channels:   make([]GuideChannel, 0, len(doc.Channels)),
		Programmes: make([]Programme, 0, len(doc.Programmes)),
	}
	for _, ch := range doc.Channels {
		guide.Channels = append(guide.Channels, GuideChannel{
			ID:          ch.ID,
			DisplayName: strings.TrimSpace(ch.DisplayName),
			Icon:        ch.Icon.Src,
		})
	}
	for _, p := range doc.Programmes {
		start, err := parseXMLTVTime(p.Start)
		if err != nil {
			continue
		}
		stop, err := parseXMLTVTime(p.Stop)
		if err != nil {
			continue
		}
		guide.Programmes = append(guide.Programmes, Programme{
			Channel:     p.Channel,
			Title:       strings.TrimSpace(p.Title),
			Description: strings.TrimSpace(p.Desc),
			Start:       start.UnixMilli(),
			Stop:        stop.UnixMilli(),
		})
	}
	return guide, nil
}

// parseXMLTVTime handles the XMLTV timestamp format, with and without the
// timezone suffix. Offset-less timestamps are taken as UTC.
func parseXMLTVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("20060102150405 -0700", s); err == nil {
		return t, nil
	}
	return time.Parse("20060102150405", s)
}

// CurrentAndUpcoming returns the programme airing on channelID at now plus up
// to five that follow, in start order.
func (g *Guide) CurrentAndUpcoming(channelID string, now time.Time) ChannelNow {
	nowMs := now.UnixMilli()

	var result ChannelNow
	for i := range g.Programmes {
		p := g.Programmes[i]
		if p.Channel != channelID {
			continue
		}
		if p.Start <= nowMs && nowMs < p.Stop {
			cur := p
			result.Current = &cur
		} else if p.Start > nowMs {
			result.Upcoming = append(result.Upcoming, p)
		}
	}

	sort.Slice(result.Upcoming, func(i, j int) bool {
		return result.Upcoming[i].Start < result.Upcoming[j].Start
	})
	if len(result.Upcoming) > maxUpcoming {
		result.Upcoming = result.Upcoming[:maxUpcoming]
	}
	return result
}
