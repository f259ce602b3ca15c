// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resources

import (
	"slices"
	"testing"
)

func TestParseMemory(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"infinity", 0, false},
		{"1024", 1024, false},
		{"4K", 4 << 10, false},
		{"512M", 512 << 20, false},
		{"2G", 2 << 30, false},
		{"1T", 1 << 40, false},
		{" 8G ", 8 << 30, false},
		{"lots", 0, true},
		{"-1G", 0, true},
		{"99999999999T", 0, true},
	}
	for _, test := range tests {
		got, err := ParseMemory(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseMemory(%q) error = %v, wantErr %v", test.input, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("ParseMemory(%q) = %d, want %d", test.input, got, test.want)
		}
	}
}

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		input   string
		want    []int
		wantErr bool
	}{
		{"0", []int{0}, false},
		{"0-3", []int{0, 1, 2, 3}, false},
		{"8,0-1,1", []int{0, 1, 8}, false},
		{"", nil, true},
		{"3-1", nil, true},
		{"a", nil, true},
		{"-2", nil, true},
	}
	for _, test := range tests {
		got, err := ParseCPUList(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseCPUList(%q) error = %v, wantErr %v", test.input, err, test.wantErr)
			continue
		}
		if !slices.Equal(got, test.want) {
			t.Errorf("ParseCPUList(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}

func TestFormatCPUList(t *testing.T) {
	if got := FormatCPUList([]int{0, 2, 5}); got != "0,2,5" {
		t.Errorf("FormatCPUList = %q, want 0,2,5", got)
	}
	if got := FormatCPUList(nil); got != "" {
		t.Errorf("FormatCPUList(nil) = %q, want empty", got)
	}
}
