package rtpnet

import "strings"

// noteValue formats the SDES NOTE item: "<room-name>||<push-flag-char>"
// (spec.md §6). The separator is "||" rather than a bare delimiter so a
// room name containing a single '|' cannot be mistaken for the
// push-flag boundary.
func noteValue(room string, pushing bool) string {
	flag := "0"
	if pushing {
		flag = "1"
	}
	return room + "||" + flag
}

// parseNote reverses noteValue (spec.md §8 property 9). ok is false if the
// value does not contain the "||" separator.
func parseNote(note string) (room string, pushing bool, ok bool) {
	idx := strings.LastIndex(note, "||")
	if idx < 0 {
		return "", false, false
	}
	room = note[:idx]
	flag := note[idx+2:]
	return room, flag == "1", true
}
