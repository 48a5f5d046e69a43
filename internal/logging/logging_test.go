package logging

import "testing"

func TestNewFormats(t *testing.T) {
	for _, format := range []string{"", "console", "json", "JSON"} {
		logger, err := New(Options{Level: "debug", Format: format})
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		_ = logger.Sync()
	}
}

func TestNewRejectsUnknownValues(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected unsupported format error")
	}
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected invalid level error")
	}
}

func TestForStageNilLogger(t *testing.T) {
	if ForStage(nil, "detector") == nil {
		t.Fatal("expected a usable logger")
	}
}
