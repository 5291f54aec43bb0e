package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/sources"
	"nodecast-proxy/work/utils"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

// Channel is one playlist entry parsed from an M3U source.
type Channel struct {
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// extinfAttr matches one key="value" attribute on an #EXTINF line. Quoted
// values may contain spaces, which is why attribute parsing cannot split on
// whitespace.
var extinfAttr = regexp.MustCompile(`([a-zA-Z0-9_-]+)="([^"]*)"`)

// FetchM3U downloads and parses an M3U playlist source into a channel list.
// The grafov decoder handles well-formed master and media playlists; raw IPTV
// provider playlists frequently violate the HLS grammar, so a line scanner
// fallback covers those.
func (f *Fetcher) FetchM3U(ctx context.Context, src *sources.Source) ([]Channel, error) {
	f.limiterFor(src.ID).Take()

	body, err := f.fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	if channels, err := parseWithGrafov(body, src.URL); err == nil && len(channels) > 0 {
		logger.Debug("{upstream/m3u - FetchM3U} Grafov parser found %d channels from %s",
			len(channels), utils.LogURL(f.cfg.ObfuscateUrls, src.URL))
		return channels, nil
	}

	channels := parseM3UFallback(bytes.NewReader(body))
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels found in playlist")
	}
	logger.Debug("{upstream/m3u - FetchM3U} Fallback parser found %d channels from %s",
		len(channels), utils.LogURL(f.cfg.ObfuscateUrls, src.URL))
	return channels, nil
}

// parseWithGrafov decodes a spec-conformant playlist. Master playlists yield
// one channel per variant; a media playlist yields the playlist URL itself,
// segments are not channels.
func parseWithGrafov(body []byte, sourceURL string) ([]Channel, error) {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), true)
	if err != nil {
		return nil, err
	}

	var channels []Channel
	switch listType {
	case m3u8.MEDIA:
		channels = append(channels, Channel{
			Name:       "Direct Stream",
			URL:        sourceURL,
			Attributes: map[string]string{},
		})

	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		for _, variant := range master.Variants {
			if variant == nil {
				break
			}
			name := variant.Name
			if name == "" && variant.Resolution != "" {
				name = fmt.Sprintf("Stream_%s", variant.Resolution)
			} else if name == "" {
				name = fmt.Sprintf("Stream_%d", variant.Bandwidth)
			}
			attrs := map[string]string{}
			if variant.Bandwidth > 0 {
				attrs["bandwidth"] = fmt.Sprintf("%d", variant.Bandwidth)
			}
			if variant.Resolution != "" {
				attrs["resolution"] = variant.Resolution
			}
			channels = append(channels, Channel{Name: name, URL: variant.URI, Attributes: attrs})
		}
	}
	return channels, nil
}

// parseM3UFallback scans EXTINF/URL pairs out of a playlist that the strict
// decoder rejected.
func parseM3UFallback(r *bytes.Reader) []Channel {
	var channels []Channel
	var current map[string]string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "#EXTINF:") {
			current = ParseEXTINF(line)
		} else if current != nil && (strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")) {
			name := current["tvg-name"]
			if name == "" {
				name = "Unknown"
			}
			channels = append(channels, Channel{Name: name, URL: line, Attributes: current})
			current = nil
		}
	}
	return channels
}

// ParseEXTINF extracts the attribute map and display name from one #EXTINF
// line. The display name follows the last comma outside quotes; quoted
// attribute values keep their embedded commas and spaces.
func ParseEXTINF(line string) map[string]string {
	attrs := make(map[string]string)
	line = strings.TrimPrefix(line, "#EXTINF:")

	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			lastComma = i
			break
		}
	}
	if lastComma == -1 {
		return attrs
	}

	attrPart := strings.TrimSpace(line[:lastComma])
	channelName := strings.TrimSpace(line[lastComma+1:])

	if fields := strings.Fields(attrPart); len(fields) > 0 {
		attrs["duration"] = fields[0]
	}
	for _, m := range extinfAttr.FindAllStringSubmatch(attrPart, -1) {
		attrs[m[1]] = m[2]
	}
	if channelName != "" {
		attrs["tvg-name"] = channelName
	}
	return attrs
}
