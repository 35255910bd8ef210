package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rorqualx/pagepilot/internal/scripts"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupLoggingAppliesLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	closeFn, err := setupLogging(options{}, "warn")
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("global level = %v, want warn", zerolog.GlobalLevel())
	}
}

func TestHoldOpen(t *testing.T) {
	var buf bytes.Buffer
	holdOpen(context.Background(), true, &buf)
	if buf.Len() != 0 {
		t.Errorf("headless run should not wait, wrote %q", buf.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		holdOpen(ctx, false, &buf)
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("headed run returned before the context ended")
	case <-time.After(30 * time.Millisecond):
	}
	cancel()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("holdOpen did not return after cancel")
	}
	if !strings.Contains(buf.String(), "Ctrl+C") {
		t.Errorf("expected close hint, got %q", buf.String())
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" visibility, ,redirect ,")
	if len(got) != 2 || got[0] != "visibility" || got[1] != "redirect" {
		t.Errorf("splitList() = %q", got)
	}
	if splitList("") != nil {
		t.Error("empty input should yield nil")
	}
}

func TestFormatPlain(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 6e6, time.UTC)
	got := formatPlain(scripts.Event{Script: "redirect", Kind: scripts.EventDisconnect, Attempt: 2, Detail: "container gone", Time: at})
	if want := "03:04:05.006 redirect disconnect #2 container gone"; got != want {
		t.Errorf("formatPlain() = %q, want %q", got, want)
	}
	got = formatPlain(scripts.Event{Script: "visibility", Kind: scripts.EventObserve, Time: at})
	if want := "03:04:05.006 visibility observe"; got != want {
		t.Errorf("formatPlain() = %q, want %q", got, want)
	}
}
