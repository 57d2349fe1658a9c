package journal

import (
	"testing"
)

func TestParseName(t *testing.T) {
	seq, ts, id, err := parseSegmentName("123-20230101T000000-11223344aabbccdd")
	if err != nil {
		t.Fatal(err)
	}
	if e := uint32(123); seq != e {
		t.Errorf("seq = %v, expected %v", seq, e)
	}
	if e := uint32(1672531200); ts != e {
		t.Errorf("ts = %v, expected %v", ts, e)
	}
	if e := uint64(0x11223344_aabbccdd); id != e {
		t.Errorf("id = %x, expected %x", id, e)
	}
}

func TestParseName_withAffixes(t *testing.T) {
	j := &Journal{fileNamePrefix: "x", fileNameSuffix: ".wal"}
	seq, _, id, err := j.parseName(formatSegmentName("x", ".wal", 7, 1672531200, 42))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 7 || id != 42 {
		t.Errorf("parseName = %d, %d, expected 7, 42", seq, id)
	}
}

func TestFormatName(t *testing.T) {
	name := formatSegmentName("x", "y", 123, 1672531200, 0x11223344_aabbccdd)
	exp := "x000000000123-20230101T000000-11223344aabbccddy"
	if name != exp {
		t.Errorf("name = %q, expected %q", name, exp)
	}
}

func TestParseName_invalid(t *testing.T) {
	for _, name := range []string{"", "abc", "12-notatime-00", "12-20230101T000000-zz"} {
		if _, _, _, err := parseSegmentName(name); err == nil {
			t.Errorf("parseSegmentName(%q) succeeded", name)
		}
	}
}
