package models

import "testing"

func TestToolSelectionAllows(t *testing.T) {
	tests := []struct {
		name string
		sel  ToolSelection
		tool string
		want bool
	}{
		{"disabled blocks everything", ToolSelection{EnableTools: false}, "search", false},
		{"disabled ignores enabled list", ToolSelection{EnableTools: false, Enabled: []string{"search"}}, "search", false},
		{"enabled with empty list allows all", ToolSelection{EnableTools: true}, "search", true},
		{"enabled nil list allows all", ToolSelection{EnableTools: true, Enabled: nil}, "anything", true},
		{"listed tool allowed", ToolSelection{EnableTools: true, Enabled: []string{"search", "fetch"}}, "fetch", true},
		{"unlisted tool blocked", ToolSelection{EnableTools: true, Enabled: []string{"search"}}, "fetch", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sel.Allows(tt.tool); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}
