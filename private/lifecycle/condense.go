// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package lifecycle

import (
	"bufio"
	"bytes"
)

// condenseStack shrinks a full goroutine dump to one line per frame,
// keeping only the goroutine id, the function name and the source line
// number. Slow-shutdown dumps go to the log, where the raw form is too
// big to be readable.
func condenseStack(buf []byte) (out []byte) {
	// If parsing trips on an unexpected dump shape, return the raw
	// stack. Too big is better than nothing.
	defer func() {
		if recover() != nil {
			out = buf
		}
	}()

	var frame []byte
	skipNext := false

	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		line := scanner.Bytes()
		if skipNext {
			skipNext = false
			continue
		}

		switch {
		case len(line) == 0:
			out = append(out, '\n')

		case bytes.HasPrefix(line, []byte("goroutine ")):
			// "goroutine 23 [running]:" -> "goroutine 23"
			id := line[len("goroutine "):]
			id = id[:bytes.IndexByte(id, ' ')]
			out = append(out, "goroutine "...)
			out = append(out, id...)
			out = append(out, '\n')

		case line[0] == '\t':
			// The file line under a function: keep the trailing
			// ":<line>" and drop the path and pc offset.
			loc := line[bytes.LastIndexByte(line, ':')+1:]
			if n := bytes.IndexByte(loc, ' '); n >= 0 {
				loc = loc[:n]
			}
			out = append(out, frame...)
			out = append(out, ':')
			out = append(out, loc...)
			out = append(out, '\n')

		case bytes.HasPrefix(line, []byte("created by")):
			skipNext = true

		default:
			// A function line: remember it without its argument list
			// until the location line below it arrives.
			frame = append(frame[:0], '\t')
			frame = append(frame, line[:bytes.LastIndexByte(line, '(')]...)
		}
	}
	if scanner.Err() != nil {
		return buf
	}

	return out
}
