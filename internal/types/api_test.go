package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Rorqualx/pagepilot/internal/scripts"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{"run url", Request{Cmd: CmdPageRun, URL: "https://acme.slack.com/archives/C1"}, ""},
		{"run html", Request{Cmd: CmdPageRun, HTML: "<p></p>", Path: "/archives/C1"}, ""},
		{"stats", Request{Cmd: CmdStatsGet}, ""},
		{"missing cmd", Request{}, "cmd is required"},
		{"unknown cmd", Request{Cmd: "request.get"}, "Unknown command"},
		{"run without target", Request{Cmd: CmdPageRun}, "url or html"},
		{"run with both", Request{Cmd: CmdPageRun, URL: "https://x.test", HTML: "<p>"}, "mutually exclusive"},
		{"bad scheme", Request{Cmd: CmdPageRun, URL: "file:///etc/passwd"}, "scheme"},
		{"relative path", Request{Cmd: CmdPageRun, HTML: "<p>", Path: "archives"}, "path must start"},
		{"path with url", Request{Cmd: CmdPageRun, URL: "https://x.test", Path: "/a"}, "offline"},
		{"offline session", Request{Cmd: CmdPageRun, HTML: "<p>", Session: "s"}, "session"},
		{"negative timeout", Request{Cmd: CmdPageRun, URL: "https://x.test", MaxTimeout: -1}, "negative"},
		{"cookie without name", Request{Cmd: CmdPageRun, URL: "https://x.test", Cookies: []RequestCookie{{Value: "v"}}}, "name is required"},
		{"destroy without session", Request{Cmd: CmdSessionsDestroy}, "session is required"},
		{"rules get", Request{Cmd: CmdRulesGet}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRequestMissingTargetIsSentinel(t *testing.T) {
	r := Request{Cmd: CmdPageRun}
	if err := r.Validate(); !errors.Is(err, ErrURLRequired) {
		t.Errorf("Validate() error = %v, want ErrURLRequired", err)
	}
}

func TestRequestDeserialization(t *testing.T) {
	body := `{"cmd":"page.run","url":"https://chatgpt.com/codex","scripts":["visibility"],"maxTimeout":20000,"returnHtml":true}`

	var req Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if req.Cmd != CmdPageRun || req.MaxTimeout != 20000 || !req.ReturnHTML {
		t.Errorf("unexpected request: %+v", req)
	}
	if len(req.Scripts) != 1 || req.Scripts[0] != "visibility" {
		t.Errorf("Scripts = %v", req.Scripts)
	}
}

func TestResponseJSONFieldNames(t *testing.T) {
	resp := Response{
		Status:    StatusOK,
		StartTime: 1,
		EndTime:   2,
		Version:   "dev",
		Result: &Result{
			Path:     "/archives/C1",
			Outcomes: []scripts.Outcome{{Script: "redirect", Status: scripts.StatusClicked}},
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	jsonStr := string(data)

	for _, field := range []string{`"startTimestamp"`, `"endTimestamp"`, `"result"`, `"outcomes"`, `"status":"clicked"`} {
		if !strings.Contains(jsonStr, field) {
			t.Errorf("Expected %s in JSON: %s", field, jsonStr)
		}
	}
	for _, field := range []string{`"sessions"`, `"rules"`, `"html"`} {
		if strings.Contains(jsonStr, field) {
			t.Errorf("Unexpected %s in JSON: %s", field, jsonStr)
		}
	}
}

func TestRunErrorUnwrap(t *testing.T) {
	err := NewNavigationError("https://x.test", errors.New("net::ERR_NAME_NOT_RESOLVED"))
	if !errors.Is(err, ErrNavigation) {
		t.Error("expected ErrNavigation")
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != "navigate" {
		t.Errorf("unexpected RunError: %+v", runErr)
	}

	if !errors.Is(NewUnknownScriptError("x"), ErrUnknownScript) {
		t.Error("expected ErrUnknownScript")
	}
}
