package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// stderrLines is the number of recent stderr lines kept for diagnostics.
const stderrLines = 100

// ErrNotStarted is returned by Wait before StartPiped.
var ErrNotStarted = errors.New("command not started")

// CommandBuilder assembles an ffmpeg argument list.
type CommandBuilder struct {
	binary string
	global []string
	input  []string
	output []string
	in     string
	out    string
}

// NewCommandBuilder creates a builder for the given binary. Logging is
// limited to errors.
func NewCommandBuilder(binary string) *CommandBuilder {
	return &CommandBuilder{binary: binary, global: []string{"-loglevel", "error"}}
}

// HideBanner suppresses the version banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.global = append(b.global, "-hide_banner")
	return b
}

// NoStdinInteraction disables keyboard commands; required when stdin
// carries media.
func (b *CommandBuilder) NoStdinInteraction() *CommandBuilder {
	b.global = append(b.global, "-nostdin")
	return b
}

// RawVideoInput declares uncompressed frames of the given format and size
// on the input.
func (b *CommandBuilder) RawVideoInput(pixFmt string, width, height int, frameRate float64) *CommandBuilder {
	b.input = append(b.input,
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-s", strconv.Itoa(width)+"x"+strconv.Itoa(height),
		"-r", strconv.FormatFloat(frameRate, 'f', -1, 64))
	return b
}

// Input sets the input URL.
func (b *CommandBuilder) Input(in string) *CommandBuilder {
	b.in = in
	return b
}

// VideoCodec selects the video encoder.
func (b *CommandBuilder) VideoCodec(name string) *CommandBuilder {
	b.output = append(b.output, "-c:v", name)
	return b
}

// VideoBitrate sets the target bit rate, e.g. "4000k" or "4000000".
func (b *CommandBuilder) VideoBitrate(rate string) *CommandBuilder {
	b.output = append(b.output, "-b:v", rate)
	return b
}

// VideoPreset sets the encoder preset. Empty leaves the encoder default.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.output = append(b.output, "-preset", preset)
	}
	return b
}

// VideoTune sets the encoder tuning. Empty leaves the encoder default.
func (b *CommandBuilder) VideoTune(tune string) *CommandBuilder {
	if tune != "" {
		b.output = append(b.output, "-tune", tune)
	}
	return b
}

// GOP caps the keyframe interval in frames and disables B-frames, so
// decode order equals presentation order.
func (b *CommandBuilder) GOP(frames int) *CommandBuilder {
	b.output = append(b.output, "-g", strconv.Itoa(frames), "-bf", "0")
	return b
}

// ForceKeyFrames forces a keyframe every interval from the first frame.
// A zero interval adds nothing.
func (b *CommandBuilder) ForceKeyFrames(interval time.Duration) *CommandBuilder {
	if interval > 0 {
		secs := strconv.FormatFloat(interval.Seconds(), 'f', -1, 64)
		b.output = append(b.output, "-force_key_frames", "expr:gte(t,n_forced*"+secs+")")
	}
	return b
}

// MpegtsArgs selects MPEG-TS output with fixed PIDs.
func (b *CommandBuilder) MpegtsArgs() *CommandBuilder {
	b.output = append(b.output,
		"-f", "mpegts",
		"-mpegts_start_pid", "256",
		"-mpegts_pmt_start_pid", "4096")
	return b
}

// FlushPackets writes every packet as soon as it is muxed.
func (b *CommandBuilder) FlushPackets() *CommandBuilder {
	b.output = append(b.output, "-flush_packets", "1")
	return b
}

// ApplyCustomOutputOptions appends user supplied output options. The
// string is split on spaces; quotes group words and a backslash escapes the
// next character.
func (b *CommandBuilder) ApplyCustomOutputOptions(opts string) *CommandBuilder {
	b.output = append(b.output, parseOptionsString(opts)...)
	return b
}

func parseOptionsString(s string) []string {
	var (
		args    []string
		word    strings.Builder
		quote   rune
		escaped bool
		pending bool
	)
	flush := func() {
		if pending {
			args = append(args, word.String())
			word.Reset()
			pending = false
		}
	}

	for _, r := range s {
		switch {
		case escaped:
			word.WriteRune(r)
			escaped, pending = false, true
		case r == '\\':
			escaped = true
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '"' || r == '\''):
			quote, pending = r, true
		case quote == 0 && r == ' ':
			flush()
		default:
			word.WriteRune(r)
			pending = true
		}
	}
	flush()
	return args
}

// Output sets the output URL.
func (b *CommandBuilder) Output(out string) *CommandBuilder {
	b.out = out
	return b
}

// Build returns the command. Arguments are ordered global, input options,
// -i input, output options, output.
func (b *CommandBuilder) Build() *Command {
	args := make([]string, 0, len(b.global)+len(b.input)+len(b.output)+3)
	args = append(args, b.global...)
	args = append(args, b.input...)
	args = append(args, "-i", b.in)
	args = append(args, b.output...)
	args = append(args, b.out)
	return &Command{Binary: b.binary, Args: args}
}

// Command is an ffmpeg invocation. It is started at most once.
type Command struct {
	Binary string
	Args   []string

	mu         sync.Mutex
	cmd        *exec.Cmd
	monitor    *ProcessMonitor
	stderrDone chan struct{}

	stderrMu sync.Mutex
	stderr   []string
}

// String returns the command line.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// StartPiped starts the process with stdin and stdout connected to pipes.
// Stderr is kept in a ring of recent lines and the process is sampled by a
// ProcessMonitor until Wait returns.
func (c *Command) StartPiped(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, nil, fmt.Errorf("command already started")
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", c.Binary, err)
	}

	c.cmd = cmd
	c.monitor = NewProcessMonitor(cmd.Process.Pid)
	c.monitor.Start()
	c.stderrDone = make(chan struct{})
	go c.readStderr(stderr)

	return stdin, stdout, nil
}

// Wait waits for the process to exit and stops its monitor.
func (c *Command) Wait() error {
	c.mu.Lock()
	cmd, monitor, stderrDone := c.cmd, c.monitor, c.stderrDone
	c.mu.Unlock()

	if cmd == nil {
		return ErrNotStarted
	}

	// Wait closes the stderr pipe; drain it first.
	<-stderrDone
	err := cmd.Wait()
	monitor.Stop()
	return err
}

// Kill terminates the process. It is a no-op before StartPiped.
func (c *Command) Kill() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (c *Command) readStderr(r io.Reader) {
	defer close(c.stderrDone)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		c.appendStderr(sc.Text())
	}
}

func (c *Command) appendStderr(line string) {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	if len(c.stderr) == stderrLines {
		c.stderr = c.stderr[1:]
	}
	c.stderr = append(c.stderr, line)
}

// StderrTail returns up to n of the most recent stderr lines.
func (c *Command) StderrTail(n int) []string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	if n > len(c.stderr) {
		n = len(c.stderr)
	}
	return slices.Clone(c.stderr[len(c.stderr)-n:])
}

// Monitor returns the process monitor, or nil before StartPiped.
func (c *Command) Monitor() *ProcessMonitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitor
}

// ProcessStats returns the latest resource sample, or nil before
// StartPiped.
func (c *Command) ProcessStats() *ProcessStats {
	m := c.Monitor()
	if m == nil {
		return nil
	}
	stats := m.Stats()
	return &stats
}
