package rtpnet

import "testing"

func TestParseNotePushing(t *testing.T) {
	room, pushing, ok := parseNote(noteValue("room1", true))
	if !ok || room != "room1" || !pushing {
		t.Fatalf("got room=%q pushing=%v ok=%v", room, pushing, ok)
	}
}

func TestParseNoteNotPushing(t *testing.T) {
	room, pushing, ok := parseNote(noteValue("room1", false))
	if !ok || room != "room1" || pushing {
		t.Fatalf("got room=%q pushing=%v ok=%v", room, pushing, ok)
	}
}

func TestParseNoteMalformed(t *testing.T) {
	if _, _, ok := parseNote("not-a-note-value"); ok {
		t.Fatalf("expected parse failure for malformed note")
	}
}

func TestFECExtensionRoundTrip(t *testing.T) {
	data := packFECExtension(5, 4, 2, 37, 99)
	index, k, r, f, checksum, ok := unpackFECExtension(data)
	if !ok || index != 5 || k != 4 || r != 2 || f != 37 || checksum != 99 {
		t.Fatalf("got index=%d k=%d r=%d f=%d checksum=%d ok=%v", index, k, r, f, checksum, ok)
	}
}

func TestFECExtensionMissingTreatedAsRawPassThrough(t *testing.T) {
	if _, _, _, _, _, ok := unpackFECExtension(nil); ok {
		t.Fatalf("expected ok=false for absent extension data")
	}
}
