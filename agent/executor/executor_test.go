package executor

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func TestSplitParams(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a b c", []string{"a", "b", "c"}},
		{"  a   b  ", []string{"a", "b"}},
		{`--name "hello world" -v`, []string{"--name", "hello world", "-v"}},
		{`'single quoted' rest`, []string{"single quoted", "rest"}},
		{`mixed"quo ted"tail`, []string{"mixedquo tedtail"}},
		{`""`, []string{""}},
		{"a\tb", []string{"a", "b"}},
	}
	for _, tc := range cases {
		if got := SplitParams(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitParams(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestRunShellScript(t *testing.T) {
	res := Run(context.Background(), "test-run", "echo hello $1", "world", 30)
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "hello world") {
		t.Fatalf("stdout = %q, want hello world", res.Stdout)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	res := Run(context.Background(), "test-exit", "exit 3", "", 30)
	if res.ExitCode != 3 {
		t.Fatalf("exit = %d, want 3", res.ExitCode)
	}
}

func TestIsPython(t *testing.T) {
	cases := []struct {
		script string
		want   bool
	}{
		{"#!/usr/bin/env python3\nprint(1)", true},
		{"#!/usr/bin/python\nprint(1)", true},
		{"#!/bin/bash\necho hi", false},
		{"echo hi", false},
		{"# python in a comment", false},
	}
	for _, tc := range cases {
		if got := isPython(tc.script); got != tc.want {
			t.Errorf("isPython(%q) = %v, want %v", tc.script[:min(len(tc.script), 25)], got, tc.want)
		}
	}
}
