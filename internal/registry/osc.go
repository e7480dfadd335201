package registry

import (
	"bytes"
	"net/url"
	"strings"
)

var osc7Prefix = []byte("\x1b]7;")

// parseDirectoryReport extracts the last OSC 7 working-directory report from
// an output chunk. Shells emit these as ESC ] 7 ; file://host/path BEL (or
// ESC \ as terminator).
func parseDirectoryReport(chunk []byte) (string, bool) {
	idx := bytes.LastIndex(chunk, osc7Prefix)
	if idx < 0 {
		return "", false
	}
	rest := chunk[idx+len(osc7Prefix):]
	end := bytes.IndexByte(rest, 0x07)
	if st := bytes.Index(rest, []byte("\x1b\\")); st >= 0 && (end < 0 || st < end) {
		end = st
	}
	if end < 0 {
		return "", false
	}
	raw := string(rest[:end])
	if !strings.HasPrefix(raw, "file://") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", false
	}
	return u.Path, true
}
