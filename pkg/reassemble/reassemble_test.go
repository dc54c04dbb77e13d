package reassemble

import (
	"testing"
)

// parameterStatusFrame builds the raw bytes of
// ParameterStatus("client_encoding", "UTF8").
func parameterStatusFrame() []byte {
	name := []byte("client_encoding\x00")
	value := []byte("UTF8\x00")
	body := append(append([]byte{}, name...), value...)
	length := 4 + len(body)
	frame := make([]byte, 0, 1+length)
	frame = append(frame, 'S')
	frame = append(frame, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	frame = append(frame, body...)
	return frame
}

func TestFeedWholeFrame(t *testing.T) {
	var r Reassembler
	frames, err := r.Feed(parameterStatusFrame())
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 1 || frames[0].Tag != 'S' {
		t.Fatalf("Feed() = %v, want one ParameterStatus frame", frames)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", r.Pending())
	}
}

// TestFeedSplitFrame exercises scenario 2 of the spec: a single frame split
// into chunks of sizes 1, 3, and the rest must still surface exactly one
// message, regardless of where the cuts fall.
func TestFeedSplitFrame(t *testing.T) {
	whole := parameterStatusFrame()
	chunks := [][]byte{whole[:1], whole[1:4], whole[4:]}

	var r Reassembler
	var all []Frame
	for _, c := range chunks {
		frames, err := r.Feed(c)
		if err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
		all = append(all, frames...)
	}

	if len(all) != 1 {
		t.Fatalf("got %d frames across split chunks, want exactly 1", len(all))
	}
	if all[0].Tag != 'S' {
		t.Errorf("Tag = %q, want 'S'", all[0].Tag)
	}
}

func TestFeedDeterministicAcrossSplits(t *testing.T) {
	whole := append(parameterStatusFrame(), parameterStatusFrame()...)

	splits := [][]int{
		{len(whole)},
		{1, len(whole) - 1},
		{3, 5, len(whole) - 8},
		{1, 1, 1, 1, 1, len(whole) - 5},
	}

	var reference []Frame
	for i, cuts := range splits {
		var r Reassembler
		var got []Frame
		pos := 0
		for _, c := range cuts {
			frames, err := r.Feed(whole[pos : pos+c])
			if err != nil {
				t.Fatalf("split %d: Feed() error = %v", i, err)
			}
			got = append(got, frames...)
			pos += c
		}
		if i == 0 {
			reference = got
			continue
		}
		if len(got) != len(reference) {
			t.Fatalf("split %d produced %d frames, reference had %d", i, len(got), len(reference))
		}
		for j := range got {
			if got[j].Tag != reference[j].Tag || string(got[j].Body) != string(reference[j].Body) {
				t.Errorf("split %d frame %d = %v, want %v", i, j, got[j], reference[j])
			}
		}
	}
}

func TestFeedRejectsShortLength(t *testing.T) {
	frame := []byte{'Z', 0, 0, 0, 3} // length must be >= 4
	var r Reassembler
	if _, err := r.Feed(frame); err == nil {
		t.Error("Feed() with length < 4 should error")
	}
}
