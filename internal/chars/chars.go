package chars

import "regexp"

const (
	LF  = byte(10)
	CR  = byte(13)
	NUL = byte(0)
	ESC = byte(27)
	TAB = byte(9)
)

var (
	CRLF    = string([]byte{CR, LF})
	NewLine = string([]byte{LF})

	// Re_ANSI matches common CSI (Control Sequence Introducer) sequences.
	Re_ANSI = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

	ANSI_Reset = []byte("\x1b[0m")
)
