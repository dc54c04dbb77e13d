package engine

import "testing"

func TestParseCommandTag(t *testing.T) {
	cases := []struct {
		tag      string
		command  string
		rowCount uint32
		hasCount bool
	}{
		{"INSERT 0 3", "insert", 3, true},
		{"SELECT 2", "select", 2, true},
		{"BEGIN", "begin", 0, false},
		{"CREATE TABLE", "create_table", 0, false},
		{"DELETE 5", "delete", 5, true},
	}

	for _, tc := range cases {
		command, rowCount, hasCount := parseCommandTag(tc.tag)
		if command != tc.command || rowCount != tc.rowCount || hasCount != tc.hasCount {
			t.Errorf("parseCommandTag(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tc.tag, command, rowCount, hasCount, tc.command, tc.rowCount, tc.hasCount)
		}
	}
}
