package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clipcast/clipcast/internal/events"
	"github.com/clipcast/clipcast/internal/observability"
	"github.com/clipcast/clipcast/internal/policy"
	"github.com/clipcast/clipcast/internal/reliability"
	"github.com/clipcast/clipcast/internal/session"
)

// StartSpec carries the per-session arguments for the capture command.
type StartSpec struct {
	StreamURL       string
	OutputDir       string
	AudioThreshold  int
	MotionThreshold int
	ClipLength      int
}

type Config struct {
	// Command is the capture tool invocation; per-session flags are
	// appended to it.
	Command []string
	// CallbackBaseURL is where the capture tool POSTs clip and metrics
	// callbacks.
	CallbackBaseURL string
	// StopGrace bounds the SIGTERM-to-SIGKILL escalation.
	StopGrace time.Duration
}

// Supervisor owns the one capture subprocess each session may have. It is
// the only component that spawns or signals processes; the registry holds
// just the PID.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*process

	cfg         Config
	registry    *session.Registry
	broadcaster *events.Broadcaster
	metrics     *observability.Metrics
	log         *logrus.Logger
}

type process struct {
	cmd           *exec.Cmd
	done          chan struct{}
	relays        sync.WaitGroup
	stopRequested bool

	tailMu sync.Mutex
	tail   []string
}

const tailLines = 8

func NewSupervisor(cfg Config, registry *session.Registry, broadcaster *events.Broadcaster, metrics *observability.Metrics, log *logrus.Logger) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{
		procs:       make(map[string]*process),
		cfg:         cfg,
		registry:    registry,
		broadcaster: broadcaster,
		metrics:     metrics,
		log:         log,
	}
}

// Start spawns the capture subprocess for the session, stopping any
// process already running under the same id first. Spawn failures mark
// the session errored and are returned for the façade to map to a 500.
func (s *Supervisor) Start(sessionID string, spec StartSpec) error {
	if len(s.cfg.Command) == 0 {
		return errors.New("capture command not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop-before-start keeps the one-process-per-session invariant even
	// under racing start requests.
	if prev, ok := s.procs[sessionID]; ok {
		s.terminate(sessionID, prev)
		delete(s.procs, sessionID)
	}

	if err := s.registry.MarkStarting(sessionID, spec.StreamURL); err != nil {
		return err
	}
	s.publishStatus(sessionID)

	args := append([]string{}, s.cfg.Command[1:]...)
	args = append(args,
		"--url", spec.StreamURL,
		"--output-dir", spec.OutputDir,
		"--session-id", sessionID,
		"--audio-threshold", strconv.Itoa(spec.AudioThreshold),
		"--motion-threshold", strconv.Itoa(spec.MotionThreshold),
		"--clip-length", strconv.Itoa(spec.ClipLength),
	)
	if s.cfg.CallbackBaseURL != "" {
		args = append(args, "--callback-url", s.cfg.CallbackBaseURL)
	}

	cmd := exec.Command(s.cfg.Command[0], args...)
	// Own process group so stop can signal the capture tool together with
	// the streamlink/ffmpeg children it spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failSpawn(sessionID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failSpawn(sessionID, err)
	}

	if err := cmd.Start(); err != nil {
		return s.failSpawn(sessionID, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	s.procs[sessionID] = p

	_ = s.registry.MarkRunning(sessionID, cmd.Process.Pid)
	s.metrics.SessionEvents.WithLabelValues("started").Inc()
	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	s.publishStatus(sessionID)
	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"pid":        cmd.Process.Pid,
	}).Info("capture process started")

	p.relays.Add(2)
	go s.relay(sessionID, p, stdout, false)
	go s.relay(sessionID, p, stderr, true)
	go s.waitExit(sessionID, p)

	return nil
}

func (s *Supervisor) failSpawn(sessionID string, err error) error {
	msg := fmt.Sprintf("capture spawn failed: %v", err)
	_ = s.registry.MarkFailed(sessionID, msg)
	s.metrics.SessionEvents.WithLabelValues("spawn_failed").Inc()
	s.broadcaster.Publish(sessionID, events.ErrorEvent{
		Type:      events.TypeError,
		SessionID: sessionID,
		Code:      "spawn_failed",
		Source:    "supervisor",
		Detail:    msg,
		TSMs:      events.NowMs(),
	})
	s.publishStatus(sessionID)
	s.log.WithField("session_id", sessionID).WithError(err).Error("capture spawn failed")
	return fmt.Errorf("spawn capture process: %w", err)
}

// Stop signals the session's subprocess if one is live. Idempotent:
// stopping a session with no process is a no-op.
func (s *Supervisor) Stop(sessionID string) bool {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	if ok {
		delete(s.procs, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	_ = s.registry.MarkStopping(sessionID)
	s.publishStatus(sessionID)
	s.terminate(sessionID, p)
	return true
}

// Running reports whether the supervisor holds a live process for the id.
func (s *Supervisor) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[sessionID]
	return ok
}

// Shutdown stops every live capture process. Used on service shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := s.procs
	s.procs = make(map[string]*process)
	s.mu.Unlock()

	for id, p := range procs {
		s.terminate(id, p)
	}
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL
// after the grace period. Signalling an already-dead process is harmless.
func (s *Supervisor) terminate(sessionID string, p *process) {
	p.tailMu.Lock()
	p.stopRequested = true
	p.tailMu.Unlock()

	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Process group may be gone already; try the process itself.
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	go func() {
		select {
		case <-p.done:
		case <-time.After(s.cfg.StopGrace):
			s.log.WithFields(logrus.Fields{
				"session_id": sessionID,
				"pid":        pid,
			}).Warn("capture process ignored SIGTERM, killing")
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			_ = p.cmd.Process.Kill()
		}
	}()
}

// relay turns each subprocess output line into a log event. stderr lines
// are flagged and kept as the error tail shown on abnormal exit.
func (s *Supervisor) relay(sessionID string, p *process, r io.Reader, isStderr bool) {
	defer p.relays.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if isStderr {
			line = StripANSI(line)
		}
		line = policy.RedactLine(line)
		if strings.TrimSpace(line) == "" {
			continue
		}
		if isStderr {
			p.tailMu.Lock()
			p.tail = append(p.tail, line)
			if len(p.tail) > tailLines {
				p.tail = p.tail[len(p.tail)-tailLines:]
			}
			p.tailMu.Unlock()
		}
		s.broadcaster.Publish(sessionID, events.LogEvent{
			Type:      events.TypeLog,
			SessionID: sessionID,
			Line:      line,
			Stderr:    isStderr,
			TSMs:      events.NowMs(),
		})
	}
}

func (s *Supervisor) waitExit(sessionID string, p *process) {
	// Wait closes the pipes; let both relays drain them first so no
	// output line or stderr tail is lost.
	p.relays.Wait()
	err := p.cmd.Wait()
	close(p.done)

	// Drop the map entry unless a restart already replaced it.
	s.mu.Lock()
	current, ok := s.procs[sessionID]
	if ok && current == p {
		delete(s.procs, sessionID)
	}
	replaced := ok && current != p
	s.mu.Unlock()

	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	p.tailMu.Lock()
	stopRequested := p.stopRequested
	tail := strings.Join(p.tail, "\n")
	p.tailMu.Unlock()

	clean := reliability.IsCleanExit(exitCode) || stopRequested
	errMsg := ""
	if !clean {
		errMsg = fmt.Sprintf("capture process exited with code %d", exitCode)
		if tail != "" {
			errMsg = errMsg + ": " + tail
		}
	}

	outcome := "clean"
	switch {
	case stopRequested:
		outcome = "stopped"
	case !clean:
		outcome = "error"
	}
	s.metrics.ProcessExits.WithLabelValues(outcome).Inc()

	// A restart already owns this session; the superseded process must
	// not touch the registry or the new process's status.
	if replaced {
		s.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"exit_code":  exitCode,
		}).Info("superseded capture process exited")
		return
	}

	// The session may already be deleted; MarkExited just misses then.
	_ = s.registry.MarkExited(sessionID, clean, errMsg)
	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))

	if !clean {
		s.broadcaster.Publish(sessionID, events.ErrorEvent{
			Type:      events.TypeError,
			SessionID: sessionID,
			Code:      "capture_failed",
			Source:    "supervisor",
			Detail:    errMsg,
			TSMs:      events.NowMs(),
		})
	}
	s.publishStatus(sessionID)
	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"exit_code":  exitCode,
		"outcome":    outcome,
	}).Info("capture process exited")
}

// publishStatus broadcasts the current registry snapshot for the session.
func (s *Supervisor) publishStatus(sessionID string) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return
	}
	s.broadcaster.Publish(sessionID, StatusEventFor(sess))
}

// StatusEventFor synthesizes the status snapshot event from a session
// record. Also used by the façade for the first message on subscribe.
func StatusEventFor(sess *session.Session) events.StatusEvent {
	streamURL := sess.StreamURL
	if streamURL != "" {
		streamURL, _ = policy.RedactStreamURL(streamURL)
	}
	return events.StatusEvent{
		Type:       events.TypeStatus,
		SessionID:  sess.ID,
		Status:     string(sess.Status),
		StreamURL:  streamURL,
		Error:      sess.Error,
		ClipsCount: sess.ClipsCount,
		TSMs:       events.NowMs(),
	}
}
