package session

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/anthropics/swe-harness/pkg/utils"
)

// Command-protocol framing. A sent command is suffixed with an echo of
// its own exit code bracketed by these markers; the reader scans the
// decoded output for the end marker instead of blocking on EOF, since
// the shell never closes its stdout.
const (
	processDoneMarkerStart = "///PROCESS-DONE:"
	processDoneMarkerEnd   = ":PROCESS-DONE///"

	// decodedBufferFailureThreshold bounds how much of a read buffer may
	// fail to decode as UTF-8 before the command is abandoned outright,
	// rather than silently replacing bad bytes forever.
	decodedBufferFailureThreshold = 0.1
)

var processDoneRegex = regexp.MustCompile(processDoneMarkerStart + `(.+?)` + processDoneMarkerEnd)

// chunkReader pumps raw reads off r onto a channel so the protocol loop
// below can select on it alongside timers, mirroring the way the
// teacher's streamer package pumps a HijackedResponse through a
// goroutine instead of blocking the caller on a read.
type chunkReader struct {
	chunks chan []byte
	done   chan error
}

func newChunkReader(r io.Reader) *chunkReader {
	cr := &chunkReader{
		chunks: make(chan []byte, 64),
		done:   make(chan error, 1),
	}
	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				cr.chunks <- chunk
			}
			if err != nil {
				cr.done <- err
				return
			}
		}
	}()
	return cr
}

// readUntilMarker accumulates output from cr until it sees the
// end-marker line, the total timeout elapses, or output stalls for
// longer than noOutputTimeout, ported from read_with_timeout_experimental.
func readUntilMarker(cr *chunkReader, totalTimeout, noOutputTimeout time.Duration) (body string, exitCode int, err error) {
	var buffer []byte
	start := time.Now()
	totalDeadline := start.Add(totalTimeout)
	noOutputDeadline := start.Add(noOutputTimeout)
	processDone := false

	for {
		deadline := totalDeadline
		if noOutputDeadline.Before(deadline) {
			deadline = noOutputDeadline
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		timer := time.NewTimer(remaining)
		select {
		case chunk := <-cr.chunks:
			timer.Stop()
			buffer = append(buffer, chunk...)
			noOutputDeadline = time.Now().Add(noOutputTimeout)
			if strings.Contains(normalizeDecoded(buffer), processDoneMarkerStart) {
				processDone = true
			}
		case procErr := <-cr.done:
			timer.Stop()
			decoded := normalizeDecoded(buffer)
			return "", 0, harnesserr.New(harnesserr.CommandError,
				"subprocess exited unexpectedly (%v), current buffer: %s", procErr, decoded)
		case <-timer.C:
		}
		if processDone {
			break
		}
	}

	decoded := normalizeDecoded(buffer)
	bodyLines := make([]string, 0)
	for _, line := range strings.Split(decoded, "\n") {
		if !strings.HasPrefix(line, processDoneMarkerStart) {
			bodyLines = append(bodyLines, line)
		}
	}
	body = strings.Join(bodyLines, "\n")

	if !processDone {
		now := time.Now()
		if !now.Before(totalDeadline) {
			return "", 0, harnesserr.NewWithOutput(harnesserr.TotalTimeoutError, decoded,
				"timeout reached while reading from subprocess, current buffer: %s", decoded)
		}
		return "", 0, harnesserr.NewWithOutput(harnesserr.NoOutputTimeoutError, decoded,
			"no output timeout reached while reading from subprocess, current buffer: %s", decoded)
	}

	if err := checkTooManyNonUnicodeBytes(buffer); err != nil {
		return "", 0, err
	}

	match := findLastMarkerMatch(decoded)
	if match == "" {
		return "", 0, harnesserr.New(harnesserr.ParseError,
			"could not find process done marker in output: %s", decoded)
	}
	code, convErr := strconv.Atoi(match)
	if convErr != nil || strings.TrimLeft(match, "0123456789") != "" {
		return "", 0, harnesserr.New(harnesserr.CommandError,
			"container crashed, failed to parse exit code %q", match)
	}
	full := processDoneMarkerStart + match + processDoneMarkerEnd
	body = strings.ReplaceAll(body, full, "")
	return body, code, nil
}

func normalizeDecoded(buffer []byte) string {
	return utils.NormalizeLinefeeds(decodeBackslashReplace(buffer))
}

// decodeBackslashReplace mimics Python's bytes.decode("utf-8",
// errors="backslashreplace"): invalid sequences become their escaped
// hex form instead of the replacement character, so a reversed scan for
// the marker is not corrupted by a stray multi-byte rune boundary.
func decodeBackslashReplace(buffer []byte) string {
	var sb strings.Builder
	sb.Grow(len(buffer))
	for len(buffer) > 0 {
		r, size := utf8.DecodeRune(buffer)
		if r == utf8.RuneError && size <= 1 {
			if len(buffer) > 0 {
				sb.WriteString("\\x")
				sb.WriteString(hexByte(buffer[0]))
			}
			buffer = buffer[1:]
			continue
		}
		sb.WriteRune(r)
		buffer = buffer[size:]
	}
	return sb.String()
}

func hexByte(b byte) string {
	const hexDigits = "0123456789abcdef"
	return string([]byte{hexDigits[b>>4], hexDigits[b&0xf]})
}

func checkTooManyNonUnicodeBytes(buffer []byte) error {
	if len(buffer) == 0 {
		return nil
	}
	invalid := 0
	b := buffer
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			invalid++
		}
		b = b[size:]
	}
	threshold := int(decodedBufferFailureThreshold * float64(len(buffer)))
	if invalid > threshold {
		return harnesserr.New(harnesserr.UnicodeError,
			"too many non-unicode characters in output of command")
	}
	return nil
}

// findLastMarkerMatch scans lines in reverse for the last end-marker,
// matching the original's "take the last match across the whole
// buffer" behavior when a command's own output happens to contain an
// earlier, unrelated marker-shaped string.
func findLastMarkerMatch(decoded string) string {
	scanner := bufio.NewScanner(strings.NewReader(decoded))
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if m := processDoneRegex.FindStringSubmatch(lines[i]); m != nil {
			return m[1]
		}
	}
	return ""
}
