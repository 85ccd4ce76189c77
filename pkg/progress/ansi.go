package progress

import "strconv"

// ANSI CSI sequences
// https://en.wikipedia.org/wiki/ANSI_escape_code#CSIsection

const ESC = 0x1b

var CSI = []byte{ESC, '['}

// Cursor Up
func CUU(n int) []byte { return csi(n, 'A') }

// Erase in Display, 0 clears from cursor to end of screen.
func ED(n int) []byte { return csi(n, 'J') }

func csi(n int, i byte) []byte {
	buf := append([]byte{}, CSI...)
	buf = strconv.AppendInt(buf, int64(n), 10)
	return append(buf, i)
}
