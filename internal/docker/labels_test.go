package docker

import "testing"

func TestTerminalAllowed(t *testing.T) {
	cases := []struct {
		name   string
		labels map[string]string
		want   bool
	}{
		{"no labels", nil, true},
		{"unrelated labels", map[string]string{"app": "web"}, true},
		{"explicitly disabled", map[string]string{LabelTerminal: "disabled"}, false},
		{"case insensitive", map[string]string{LabelTerminal: "DISABLED"}, false},
		{"other value allows", map[string]string{LabelTerminal: "enabled"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TerminalAllowed(tc.labels); got != tc.want {
				t.Errorf("TerminalAllowed(%v) = %v, want %v", tc.labels, got, tc.want)
			}
		})
	}
}

func TestTerminalShell(t *testing.T) {
	cases := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{"no labels", nil, "/bin/sh"},
		{"empty label", map[string]string{LabelTerminalShell: "  "}, "/bin/sh"},
		{"explicit shell", map[string]string{LabelTerminalShell: "/bin/bash"}, "/bin/bash"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TerminalShell(tc.labels, "/bin/sh"); got != tc.want {
				t.Errorf("TerminalShell(%v) = %q, want %q", tc.labels, got, tc.want)
			}
		})
	}
}
