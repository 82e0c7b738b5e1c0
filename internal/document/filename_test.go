package document

import (
	"testing"

	"postbox/internal/model"
)

func TestFilename(t *testing.T) {
	task := model.TaskDocument{Metadata: model.TaskMetadata{
		ID:       "task_1771722000_a3f2b7c1",
		Title:    "Implement Login Flow!",
		Type:     "feature",
		Priority: model.PriorityHigh,
	}}

	got := Filename(task)
	want := "high_feature_implement-login-flow_task_1771722000_a3f2b7c1.md"
	if got != want {
		t.Errorf("Filename: got %q, want %q", got, want)
	}
}

func TestExtractTaskID_Inversion(t *testing.T) {
	task := model.TaskDocument{Metadata: model.TaskMetadata{
		ID:       "task_1771722060_b7c1d4e9",
		Title:    "Fix flaky test",
		Type:     "bug",
		Priority: model.PriorityMedium,
	}}

	name := Filename(task)
	if got := ExtractTaskID(name); got != task.Metadata.ID {
		t.Errorf("ExtractTaskID(%q) = %q, want %q", name, got, task.Metadata.ID)
	}
}

func TestExtractTaskID_NonConforming(t *testing.T) {
	tests := []string{
		"random_file.md",
		"high_feature_notes.txt",
		"task_1771722060_b7c1d4e9", // missing extension
		"",
		".gitkeep",
	}
	for _, name := range tests {
		if got := ExtractTaskID(name); got != "" {
			t.Errorf("ExtractTaskID(%q) = %q, want empty", name, got)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Implement login", "implement-login"},
		{"Fix  double   spaces", "fix-double-spaces"},
		{"UPPER_case_and_underscores", "upper-case-and-underscores"},
		{"трудно", "untitled"},
		{"---", "untitled"},
		{"this is a very long title that should be cut at the slug bound", "this-is-a-very-long-title-that-should-cu"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
