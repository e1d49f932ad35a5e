// Package ffmpeg locates the ffmpeg binary and runs it as a piped child
// process for the encoder adapter.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// BinaryEnvVar overrides the ffmpeg binary location.
const BinaryEnvVar = "CHUNKREC_FFMPEG_BINARY"

// ErrNotFound is returned when no ffmpeg binary can be located.
var ErrNotFound = errors.New("ffmpeg binary not found")

// Binary describes an ffmpeg installation.
type Binary struct {
	Path     string
	Version  string
	Major    int
	Minor    int
	Encoders []string
}

// HasEncoder reports whether the binary lists the named encoder.
func (b *Binary) HasEncoder(name string) bool {
	return slices.Contains(b.Encoders, name)
}

// AtLeast reports whether the binary's version is major.minor or newer.
func (b *Binary) AtLeast(major, minor int) bool {
	return b.Major > major || (b.Major == major && b.Minor >= minor)
}

// Inspect runs "ffmpeg -version" and "ffmpeg -encoders" against path. An
// empty path is resolved with Locate.
func Inspect(ctx context.Context, path string) (*Binary, error) {
	if path == "" {
		found, err := Locate("ffmpeg")
		if err != nil {
			return nil, err
		}
		path = found
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", path, err)
	}
	b, err := parseVersion(string(out))
	if err != nil {
		return nil, err
	}
	b.Path = path

	// Older builds without -encoders leave the list empty.
	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output(); err == nil {
		b.Encoders = parseEncoders(string(out))
	}
	return b, nil
}

// Locate finds an executable named name: BinaryEnvVar first, then the
// working directory, then PATH.
func Locate(name string) (string, error) {
	if p := os.Getenv(BinaryEnvVar); p != "" && executable(p) {
		return p, nil
	}
	if local := "./" + name; executable(local) {
		return local, nil
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func executable(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir() && st.Mode()&0o111 != 0
}

// "6.1.1", "n7.0-2-gabcdef"
var versionPattern = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

func parseVersion(output string) (*Binary, error) {
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[0] != "ffmpeg" || fields[1] != "version" {
			continue
		}
		b := &Binary{Version: fields[2]}
		if m := versionPattern.FindStringSubmatch(b.Version); m != nil {
			b.Major, _ = strconv.Atoi(m[1])
			b.Minor, _ = strconv.Atoi(m[2])
		}
		return b, nil
	}
	return nil, fmt.Errorf("unrecognized ffmpeg version output")
}

// parseEncoders reads the table printed by "ffmpeg -encoders": a legend,
// a dashed separator, then one "V....D name description" row per encoder.
func parseEncoders(output string) []string {
	var names []string
	table := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "---") {
			table = true
			continue
		}
		if !table {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 || !strings.ContainsRune("VAS", rune(fields[0][0])) {
			continue
		}
		names = append(names, fields[1])
	}
	return names
}
