package remux

import (
	"bufio"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"nodecast-proxy/work/client"
	"nodecast-proxy/work/config"
	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/metrics"
	"nodecast-proxy/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
)

// Mode selects how ffmpeg treats the input streams.
type Mode string

const (
	// ModeRemux repackages the container only, no re-encoding. Cheap enough
	// to run per viewer.
	ModeRemux Mode = "remux"
	// ModeTranscode copies video but re-encodes audio, for streams carrying
	// AC3/Dolby tracks browsers refuse to decode.
	ModeTranscode Mode = "transcode"
)

// Session is one live ffmpeg subprocess bound to one HTTP response.
type Session struct {
	ID        string
	SourceURL string
	Mode      Mode
	StartedAt time.Time

	pid      int
	killOnce sync.Once
}

// Kill terminates the session's whole process group. Safe to call from any
// goroutine and any number of times.
func (s *Session) Kill() {
	s.killOnce.Do(func() {
		syscall.Kill(-s.pid, syscall.SIGKILL)
	})
}

// Supervisor spawns and tracks per-request ffmpeg subprocesses. Every spawn
// is paired with a guaranteed process-group kill, so an abandoned ffmpeg can
// never outlive its viewer.
type Supervisor struct {
	cfg      *config.Config
	sessions *xsync.MapOf[string, *Session]
	nextID   atomic.Int64
}

// NewSupervisor builds a Supervisor with an empty session registry.
func NewSupervisor(cfg *config.Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

// HandleRemux serves GET /remux?url=.
func (s *Supervisor) HandleRemux(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, ModeRemux)
}

// HandleTranscode serves GET /transcode?url=.
func (s *Supervisor) HandleTranscode(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, ModeTranscode)
}

// SessionCount reports how many subprocesses are currently alive.
func (s *Supervisor) SessionCount() int {
	return s.sessions.Size()
}

// serve spawns ffmpeg for the source URL and pipes its stdout to the
// response until either side ends. Headers go out before the first byte;
// once media bytes have flowed, failures just end the stream.
func (s *Supervisor) serve(w http.ResponseWriter, r *http.Request, mode Mode) {
	sourceURL := r.URL.Query().Get("url")
	if sourceURL == "" {
		http.Error(w, `{"error":"URL parameter is required"}`, http.StatusBadRequest)
		return
	}

	logger.Info("{remux/remux - serve} Starting %s for %s", mode, utils.LogURL(s.cfg.ObfuscateUrls, sourceURL))

	cmd := exec.Command(s.cfg.FFmpegPath, buildArgs(s.cfg, mode, sourceURL)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logger.Error("{remux/remux - serve} Stdout pipe failed: %v", err)
		http.Error(w, `{"error":"FFmpeg spawn failed"}`, http.StatusInternalServerError)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logger.Error("{remux/remux - serve} Stderr pipe failed: %v", err)
		http.Error(w, `{"error":"FFmpeg spawn failed"}`, http.StatusInternalServerError)
		return
	}

	if err := cmd.Start(); err != nil {
		logger.Error("{remux/remux - serve} Failed to start ffmpeg: %v", err)
		http.Error(w, `{"error":"FFmpeg spawn failed"}`, http.StatusInternalServerError)
		return
	}

	session := &Session{
		ID:        strconv.FormatInt(s.nextID.Add(1), 10),
		SourceURL: sourceURL,
		Mode:      mode,
		StartedAt: time.Now(),
		pid:       cmd.Process.Pid,
	}
	s.sessions.Store(session.ID, session)
	metrics.TranscodeSessions.WithLabelValues(string(mode)).Inc()

	defer func() {
		session.Kill()
		err := cmd.Wait()
		s.sessions.Delete(session.ID)
		metrics.TranscodeSessions.WithLabelValues(string(mode)).Dec()
		logExit(session, err)
	}()

	go logStderr(session, stderr)

	// Client disconnect tears the subprocess down even if ffmpeg stalls and
	// the read loop never observes the broken pipe.
	go func() {
		<-r.Context().Done()
		session.Kill()
	}()

	crw := client.NewCustomResponseWriter(w)
	crw.Header().Set("Content-Type", "video/mp4")
	crw.Header().Set("Access-Control-Allow-Origin", "*")

	buffer := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := stdout.Read(buffer)
		if n > 0 {
			if _, werr := crw.Write(buffer[:n]); werr != nil {
				logger.Debug("{remux/remux - serve} Client write failed for session %s: %v", session.ID, werr)
				break
			}
			written += int64(n)
			crw.Flush()
		}
		if rerr != nil {
			break
		}
	}
	metrics.TranscodeBytes.WithLabelValues(string(mode)).Add(float64(written))
	logger.Info("{remux/remux - serve} Session %s ended after %s", session.ID, utils.FormatBytes(written))
}

// buildArgs assembles the ffmpeg command line. Both modes share the error
// resilience and reconnect flags; they differ only in codec handling.
func buildArgs(cfg *config.Config, mode Mode, sourceURL string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-fflags", "+genpts+discardcorrupt+igndts",
		"-err_detect", "ignore_err",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", sourceURL,
	}

	if mode == ModeTranscode {
		args = append(args,
			"-c:v", "copy",
			"-c:a", cfg.AudioCodec,
			"-b:a", cfg.AudioBitrate,
			"-ac", strconv.Itoa(cfg.AudioChannels),
		)
	} else {
		args = append(args,
			"-c", "copy",
			// ADTS AAC out of a transport stream must be repackaged for MP4.
			"-bsf:a", "aac_adtstoasc",
		)
	}

	return append(args,
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-",
	)
}

// logStderr forwards ffmpeg diagnostics to the operator log. Only warning
// and error lines matter; progress chatter is dropped.
func logStderr(session *Session, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "Warning") || strings.Contains(line, "Error") || strings.Contains(line, "error") {
			logger.Warn("{remux/remux - logStderr} [ffmpeg %s] %s", session.ID, line)
		}
	}
}

// logExit records abnormal subprocess exits. Exit code 255 is ffmpeg's
// normal answer to being interrupted, and a kill after client disconnect is
// the expected end of every session.
func logExit(session *Session, err error) {
	if err == nil {
		return
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		if code == 255 || code == -1 {
			return
		}
		logger.Error("{remux/remux - logExit} Session %s: ffmpeg exited with code %d", session.ID, code)
		return
	}
	logger.Error("{remux/remux - logExit} Session %s: ffmpeg wait failed: %v", session.ID, err)
}
