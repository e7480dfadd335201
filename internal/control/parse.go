// Package control implements the client side of the multiplexer's
// line-oriented control-mode protocol: parsing, notification dispatch, pane
// output demultiplexing and command/response correlation.
package control

import (
	"bytes"
	"strconv"
	"strings"
)

type eventType string

const (
	eventOutput          eventType = "output"
	eventExtendedOutput  eventType = "extended_output"
	eventLayoutChange    eventType = "layout_change"
	eventWindowAdd       eventType = "window_add"
	eventWindowClose     eventType = "window_close"
	eventPaneModeChanged eventType = "pane_mode_changed"
	eventSessionChanged  eventType = "session_changed"
	eventWindowChanged   eventType = "session_window_changed"
	eventExit            eventType = "exit"
	eventBegin           eventType = "begin"
	eventEnd             eventType = "end"
	eventError           eventType = "error"
)

type protocolEvent struct {
	Type        eventType
	PaneID      string
	Bytes       []byte
	WindowID    string
	LayoutRaw   string
	SessionID   string
	SessionName string
	CommandNum  int64
	Raw         string
}

type outputChunk struct {
	PaneID string
	Bytes  []byte
}

// parseEventLine classifies one protocol line. Unparseable lines return
// ok=false and are dropped by the caller; a single malformed line must never
// take down the connection.
func parseEventLine(raw string) (protocolEvent, bool) {
	line := strings.TrimRight(raw, "\r\n")
	if line == "" {
		return protocolEvent{}, false
	}
	if out, ok := parseOutputLine(line); ok {
		kind := eventOutput
		if strings.HasPrefix(line, "%extended-output ") {
			kind = eventExtendedOutput
		}
		return protocolEvent{Type: kind, PaneID: out.PaneID, Bytes: out.Bytes, Raw: line}, true
	}
	switch {
	case strings.HasPrefix(line, "%layout-change "):
		rest := strings.TrimPrefix(line, "%layout-change ")
		windowID, tail, ok := cutToken(rest)
		if !ok || windowID == "" {
			return protocolEvent{}, false
		}
		layoutRaw, _, _ := cutToken(tail)
		return protocolEvent{
			Type:      eventLayoutChange,
			WindowID:  windowID,
			LayoutRaw: layoutRaw,
			Raw:       line,
		}, true
	case strings.HasPrefix(line, "%window-add "):
		rest := strings.TrimPrefix(line, "%window-add ")
		windowID, _, ok := cutToken(rest)
		if !ok || windowID == "" {
			return protocolEvent{}, false
		}
		return protocolEvent{Type: eventWindowAdd, WindowID: windowID, Raw: line}, true
	case strings.HasPrefix(line, "%window-close "):
		rest := strings.TrimPrefix(line, "%window-close ")
		windowID, _, ok := cutToken(rest)
		if !ok || windowID == "" {
			return protocolEvent{}, false
		}
		return protocolEvent{Type: eventWindowClose, WindowID: windowID, Raw: line}, true
	case strings.HasPrefix(line, "%pane-mode-changed "):
		rest := strings.TrimPrefix(line, "%pane-mode-changed ")
		paneID, _, ok := cutToken(rest)
		if !ok || paneID == "" {
			return protocolEvent{}, false
		}
		return protocolEvent{Type: eventPaneModeChanged, PaneID: paneID, Raw: line}, true
	case strings.HasPrefix(line, "%session-window-changed "):
		rest := strings.TrimPrefix(line, "%session-window-changed ")
		sessionID, tail, ok := cutToken(rest)
		if !ok || sessionID == "" {
			return protocolEvent{}, false
		}
		windowID, _, ok := cutToken(tail)
		if !ok || windowID == "" {
			return protocolEvent{}, false
		}
		return protocolEvent{
			Type:      eventWindowChanged,
			SessionID: sessionID,
			WindowID:  windowID,
			Raw:       line,
		}, true
	case strings.HasPrefix(line, "%session-changed "):
		rest := strings.TrimPrefix(line, "%session-changed ")
		sessionID, tail, ok := cutToken(rest)
		if !ok || sessionID == "" {
			return protocolEvent{}, false
		}
		return protocolEvent{
			Type:        eventSessionChanged,
			SessionID:   sessionID,
			SessionName: strings.TrimSpace(tail),
			Raw:         line,
		}, true
	case strings.HasPrefix(line, "%exit"):
		return protocolEvent{Type: eventExit, Raw: line}, true
	case strings.HasPrefix(line, "%begin "):
		num, ok := parseBlockMarker(line, "%begin ")
		if !ok {
			return protocolEvent{}, false
		}
		return protocolEvent{Type: eventBegin, CommandNum: num, Raw: line}, true
	case strings.HasPrefix(line, "%end "):
		num, ok := parseBlockMarker(line, "%end ")
		if !ok {
			return protocolEvent{}, false
		}
		return protocolEvent{Type: eventEnd, CommandNum: num, Raw: line}, true
	case strings.HasPrefix(line, "%error "):
		num, ok := parseBlockMarker(line, "%error ")
		if !ok {
			return protocolEvent{}, false
		}
		return protocolEvent{Type: eventError, CommandNum: num, Raw: line}, true
	default:
		return protocolEvent{}, false
	}
}

// parseBlockMarker reads the correlation number from a
// "%begin <timestamp> <number> <flags>" style marker.
func parseBlockMarker(line, prefix string) (int64, bool) {
	rest := strings.TrimPrefix(line, prefix)
	_, tail, ok := cutToken(rest) // timestamp
	if !ok {
		return 0, false
	}
	numToken, _, ok := cutToken(tail)
	if !ok {
		return 0, false
	}
	num, err := strconv.ParseInt(numToken, 10, 64)
	if err != nil {
		return 0, false
	}
	return num, true
}

func parseOutputLine(line string) (outputChunk, bool) {
	switch {
	case strings.HasPrefix(line, "%output "):
		rest := strings.TrimPrefix(line, "%output ")
		paneID, payload, ok := cutToken(rest)
		if !ok || paneID == "" {
			return outputChunk{}, false
		}
		decoded, ok := decodeEscaped(payload)
		if !ok {
			return outputChunk{}, false
		}
		return outputChunk{PaneID: paneID, Bytes: decoded}, true
	case strings.HasPrefix(line, "%extended-output "):
		// Shape: %extended-output <pane-id> <age> <escaped-bytes>
		rest := strings.TrimPrefix(line, "%extended-output ")
		paneID, tail, ok := cutToken(rest)
		if !ok || paneID == "" {
			return outputChunk{}, false
		}
		_, tail, ok = cutToken(tail) // age
		if !ok {
			return outputChunk{}, false
		}
		decoded, ok := decodeEscaped(tail)
		if !ok {
			return outputChunk{}, false
		}
		return outputChunk{PaneID: paneID, Bytes: decoded}, true
	default:
		return outputChunk{}, false
	}
}

func cutToken(raw string) (token string, tail string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	idx := strings.IndexAny(trimmed, " \t")
	if idx < 0 {
		return trimmed, "", true
	}
	return trimmed[:idx], strings.TrimLeft(trimmed[idx:], " \t"), true
}

// decodeEscaped expands the octal and character escapes the multiplexer
// applies to pane output payloads.
func decodeEscaped(raw string) ([]byte, bool) {
	if raw == "" {
		return []byte{}, true
	}
	out := bytes.NewBuffer(make([]byte, 0, len(raw)))
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if ch != '\\' {
			out.WriteByte(ch)
			continue
		}
		if i+1 >= len(raw) {
			return nil, false
		}
		next := raw[i+1]
		if next >= '0' && next <= '7' {
			if i+3 >= len(raw) {
				return nil, false
			}
			oct := raw[i+1 : i+4]
			if !isOctal3(oct) {
				return nil, false
			}
			value := ((oct[0] - '0') << 6) | ((oct[1] - '0') << 3) | (oct[2] - '0')
			out.WriteByte(value)
			i += 3
			continue
		}
		switch next {
		case '\\':
			out.WriteByte('\\')
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 't':
			out.WriteByte('\t')
		default:
			// Keep unknown escaped byte as-is for forward compatibility.
			out.WriteByte(next)
		}
		i++
	}
	return out.Bytes(), true
}

func isOctal3(raw string) bool {
	if len(raw) != 3 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '7' {
			return false
		}
	}
	return true
}

// parseLayoutPaneIDs extracts the pane ids encoded in a window layout
// string, e.g. "bb62,80x24,0,0{40x24,0,0,1,39x24,41,0,2}" yields %1 and %2.
// Only the layout introduces or removes panes; ids are never synthesized.
func parseLayoutPaneIDs(layout string) []string {
	trimmed := strings.TrimSpace(layout)
	if trimmed == "" {
		return nil
	}
	// Drop the leading checksum field.
	if idx := strings.IndexByte(trimmed, ','); idx > 0 {
		trimmed = trimmed[idx+1:]
	}
	ids := make([]string, 0, 4)
	i := 0
	for i < len(trimmed) {
		// Each cell starts with WxH,X,Y.
		w, next, ok := scanInt(trimmed, i)
		if !ok || next >= len(trimmed) || trimmed[next] != 'x' {
			i++
			continue
		}
		_ = w
		_, next, ok = scanInt(trimmed, next+1)
		if !ok || next >= len(trimmed) || trimmed[next] != ',' {
			i = next + 1
			continue
		}
		_, next, ok = scanInt(trimmed, next+1) // x offset
		if !ok || next >= len(trimmed) || trimmed[next] != ',' {
			i = next + 1
			continue
		}
		_, next, ok = scanInt(trimmed, next+1) // y offset
		if !ok {
			i = next + 1
			continue
		}
		if next < len(trimmed) && trimmed[next] == ',' {
			// A numeric field here is a leaf pane id; '{' or '[' means the
			// cell is a container and the digits belong to a nested cell.
			id, after, idOK := scanInt(trimmed, next+1)
			if idOK && (after >= len(trimmed) || trimmed[after] == ',' || trimmed[after] == '}' || trimmed[after] == ']') {
				ids = append(ids, "%"+strconv.Itoa(id))
				next = after
			}
		}
		i = next + 1
	}
	return ids
}

func scanInt(s string, start int) (value int, next int, ok bool) {
	i := start
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		value = value*10 + int(s[i]-'0')
		i++
	}
	if i == start {
		return 0, start, false
	}
	return value, i, true
}
