package decoder

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"castreceiver/internal/h264"
	"castreceiver/pkg/models"
)

// DefaultPlayerCommand plays an H.264 elementary stream read from stdin
const DefaultPlayerCommand = "ffplay -hide_banner -loglevel warning -fflags nobuffer -flags low_delay -f h264 -"

// StdoutSink selects writing the stream to the receiver's own stdout
const StdoutSink = "-"

// exitTimeout is how long a player gets to exit after its stdin closes
const exitTimeout = 2 * time.Second

// PipeDecoder hands the Annex-B stream to an external player, which does the pixel
// decode and rendering. Every submitted frame counts as one rendered output.
//
// The command is split on whitespace. An empty command discards the stream and
// StdoutSink writes it to stdout.
type PipeDecoder struct {
	command string
	stdout  io.Writer

	mu            sync.Mutex
	cmd           *exec.Cmd
	sink          io.WriteCloser
	params        models.VideoParams
	pending       int
	formatPending bool
	sawFormat     bool
	written       int64
}

// NewPipeDecoder creates a decoder for command. stdout is used for StdoutSink.
func NewPipeDecoder(command string, stdout io.Writer) *PipeDecoder {
	if stdout == nil {
		stdout = os.Stdout
	}
	return &PipeDecoder{
		command: strings.TrimSpace(command),
		stdout:  stdout,
	}
}

// Initialize starts the player
func (d *PipeDecoder) Initialize(params models.VideoParams, surface Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sink != nil {
		return fmt.Errorf("pipe decoder already initialized")
	}

	switch d.command {
	case "":
		d.sink = nopCloser{io.Discard}
	case StdoutSink:
		d.sink = nopCloser{d.stdout}
	default:
		args := strings.Fields(d.command)
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to get stdin pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", args[0], err)
		}
		d.cmd = cmd
		d.sink = stdin
		log.Printf("[decoder] started %s (pid %d) for %s", args[0], cmd.Process.Pid, surfaceName(surface))
	}

	d.params = params
	d.pending = 0
	d.formatPending = false
	d.sawFormat = false
	d.written = 0
	return nil
}

// AcquireInput reports whether the pipe is open. Writes block instead of queueing.
func (d *PipeDecoder) AcquireInput(timeout time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink != nil
}

// SubmitInput writes one frame to the player. Empty inputs are accepted and dropped.
func (d *PipeDecoder) SubmitInput(payload []byte, timestamp int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sink == nil {
		return ErrNotInitialized
	}
	if len(payload) == 0 {
		return nil
	}

	n, err := d.sink.Write(payload)
	d.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if !d.sawFormat && carriesFormat(payload) {
		d.sawFormat = true
		d.formatPending = true
	}
	d.pending++
	return nil
}

// PollOutput reports one output per submitted frame, after a format change for the
// first frame that carries stream parameters
func (d *PipeDecoder) PollOutput(timeout time.Duration) (OutputStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sink == nil {
		return OutputNotReady, ErrNotInitialized
	}
	if d.formatPending {
		d.formatPending = false
		return OutputFormatChanged, nil
	}
	if d.pending > 0 {
		return OutputReady, nil
	}
	return OutputNotReady, nil
}

// RenderOutput consumes the ready output. The player has already displayed it.
func (d *PipeDecoder) RenderOutput() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == 0 {
		return fmt.Errorf("no output ready")
	}
	d.pending--
	return nil
}

// Release closes the player's stdin and waits for it to exit, killing it if it does not
func (d *PipeDecoder) Release() error {
	d.mu.Lock()
	sink := d.sink
	cmd := d.cmd
	written := d.written
	d.sink = nil
	d.cmd = nil
	d.pending = 0
	d.mu.Unlock()

	if sink == nil {
		return nil
	}

	err := sink.Close()
	if cmd == nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case werr := <-done:
		if werr != nil {
			log.Printf("[decoder] player exited: %v", werr)
		}
	case <-time.After(exitTimeout):
		log.Printf("[decoder] player did not exit, killing pid %d", cmd.Process.Pid)
		cmd.Process.Kill()
		<-done
	}
	log.Printf("[decoder] player released after %d bytes", written)
	return err
}

// Params returns the parameters of the current initialization
func (d *PipeDecoder) Params() models.VideoParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params
}

// carriesFormat reports whether a frame starts with a parameter set or an IDR slice
func carriesFormat(payload []byte) bool {
	if len(payload) <= 4 {
		return false
	}
	t := h264.NALType(payload[4])
	return t == h264.NALUnitTypeSPS || t == h264.NALUnitTypeIDR
}

func surfaceName(s Surface) string {
	if s == nil {
		return "no surface"
	}
	return s.Name()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
