// Package movie reads and writes the committed input history: one one-byte
// button bitmask per frame, each with an optional subtitle annotation.
package movie

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const header = "tasbot-movie v1"

// Write saves inputs and their per-frame subtitles. The two slices must have
// equal length.
func Write(path string, inputs []byte, subtitles []string) error {
	if len(inputs) != len(subtitles) {
		return fmt.Errorf("movie: %d inputs but %d subtitles", len(inputs), len(subtitles))
	}
	var buf bytes.Buffer
	buf.WriteString(header + "\n")
	for i, in := range inputs {
		fmt.Fprintf(&buf, "%02x %s\n", in, subtitles[i])
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("movie: write: %w", err)
	}
	return nil
}

// Read loads a movie saved by Write.
func Read(path string) (inputs []byte, subtitles []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("movie: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() || sc.Text() != header {
		return nil, nil, fmt.Errorf("movie: %s: missing %q header", path, header)
	}
	lineno := 1
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if line == "" {
			continue
		}
		in, sub, _ := strings.Cut(line, " ")
		v, err := strconv.ParseUint(in, 16, 8)
		if err != nil {
			return nil, nil, fmt.Errorf("movie: %s:%d: bad input byte: %w", path, lineno, err)
		}
		inputs = append(inputs, byte(v))
		subtitles = append(subtitles, sub)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("movie: read %s: %w", path, err)
	}
	return inputs, subtitles, nil
}

// ReadInputs loads only the input bytes of a movie.
func ReadInputs(path string) ([]byte, error) {
	inputs, _, err := Read(path)
	return inputs, err
}
