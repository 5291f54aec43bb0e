package remux

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nodecast-proxy/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a script that emits some bytes then blocks, standing in
// for a long-lived ffmpeg run.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nprintf 'FAKEMP4BYTES'\nsleep 60\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testSupervisor(ffmpegPath string) *Supervisor {
	return NewSupervisor(&config.Config{
		FFmpegPath:    ffmpegPath,
		AudioCodec:    "aac",
		AudioBitrate:  "192k",
		AudioChannels: 2,
	})
}

func TestServeRequiresURL(t *testing.T) {
	sup := testSupervisor("ffmpeg")
	rec := httptest.NewRecorder()
	sup.HandleRemux(rec, httptest.NewRequest(http.MethodGet, "/api/remux", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "URL parameter is required")
}

func TestServeSpawnFailureIsJSON500(t *testing.T) {
	sup := testSupervisor("/nonexistent/ffmpeg-binary")
	rec := httptest.NewRecorder()
	sup.HandleRemux(rec, httptest.NewRequest(http.MethodGet, "/api/remux?url=http://x/s.ts", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "FFmpeg spawn failed")
	assert.Equal(t, 0, sup.SessionCount())
}

func TestServeStreamsAndKillsOnDisconnect(t *testing.T) {
	sup := testSupervisor(fakeFFmpeg(t))
	srv := httptest.NewServer(http.HandlerFunc(sup.HandleRemux))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/?url=http://x/s.ts", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	head := make([]byte, len("FAKEMP4BYTES"))
	_, err = io.ReadFull(resp.Body, head)
	require.NoError(t, err)
	assert.Equal(t, "FAKEMP4BYTES", string(head))
	assert.Equal(t, 1, sup.SessionCount())

	// Disconnect; the subprocess must be reaped within a bounded interval.
	cancel()
	require.Eventually(t, func() bool {
		return sup.SessionCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestKillIsIdempotent(t *testing.T) {
	s := &Session{ID: "1", pid: 999999999}
	assert.NotPanics(t, func() {
		s.Kill()
		s.Kill()
	})
}

func TestBuildArgsRemux(t *testing.T) {
	cfg := &config.Config{AudioCodec: "aac", AudioBitrate: "192k", AudioChannels: 2}
	args := buildArgs(cfg, ModeRemux, "http://x/s.ts")

	assert.Contains(t, args, "-c")
	assert.Contains(t, args, "aac_adtstoasc")
	assert.NotContains(t, args, "-c:a")
	assert.Equal(t, "-", args[len(args)-1])

	// Reconnect and resilience flags precede the input.
	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	assert.Contains(t, joined, "-fflags +genpts+discardcorrupt+igndts")
	assert.Contains(t, joined, "-reconnect 1")
	assert.Contains(t, joined, "-movflags frag_keyframe+empty_moov+default_base_moof")
}

func TestBuildArgsTranscode(t *testing.T) {
	cfg := &config.Config{AudioCodec: "aac", AudioBitrate: "192k", AudioChannels: 2}
	args := buildArgs(cfg, ModeTranscode, "http://x/s.ts")

	assert.Contains(t, args, "-c:v")
	assert.Contains(t, args, "-c:a")
	assert.Contains(t, args, "aac")
	assert.Contains(t, args, "192k")
	assert.NotContains(t, args, "aac_adtstoasc")
}
