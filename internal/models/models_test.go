package models

import (
	"strings"
	"testing"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "b1_photo-01.jpg", "b1_photo-01.jpg"},
		{"spaces and slashes", "box 4/IMG 001.jpg", "box_4_IMG_001.jpg"},
		{"unicode", "café.png", "caf_.png"},
		{"dot only", "..", "__"},
		{"empty", "", "_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeKey(tt.input); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestSanitizeKeyTruncates(t *testing.T) {
	got := SanitizeKey(strings.Repeat("a", 500))
	if len(got) != 200 {
		t.Errorf("Expected 200 bytes, got %d", len(got))
	}
}

func TestItemCloudIDIsStable(t *testing.T) {
	item := &Item{BatchID: "batch-1", Filename: "scan 7.jpg"}
	if item.CloudID() != "batch-1_scan_7.jpg" {
		t.Errorf("Unexpected cloud id %q", item.CloudID())
	}
	if item.CloudID() != item.CloudID() {
		t.Error("Expected cloud id to be deterministic")
	}
}

func TestBatchValidate(t *testing.T) {
	tests := []struct {
		name    string
		batch   Batch
		wantErr bool
	}{
		{"fresh", Batch{BatchID: "b", TotalImages: 3, Status: StatusProcessing}, false},
		{"in progress", Batch{BatchID: "b", TotalImages: 3, Processed: 1, Failed: 1, Status: StatusProcessing}, false},
		{"overflow", Batch{BatchID: "b", TotalImages: 2, Processed: 2, Failed: 1, Status: StatusProcessing}, true},
		{"completed short", Batch{BatchID: "b", TotalImages: 3, Processed: 2, Status: StatusCompleted}, true},
		{"completed exact", Batch{BatchID: "b", TotalImages: 3, Processed: 2, Failed: 1, Status: StatusCompleted}, false},
		{"missing id", Batch{TotalImages: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.batch.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
