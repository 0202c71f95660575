package actuator

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/zap"

	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/warmup"
)

func TestRegistry_RoutesAndFallsBack(t *testing.T) {
	reg := NewRegistry()
	mock := NewMock(0)
	reg.Register(mock)
	cmd, _ := NewCommand("/bin/true", nil, zap.NewNop().Sugar())
	reg.Register(cmd)
	reg.MapPhase(warmup.PhaseSetToPrivate, "command")

	a, err := reg.Get(warmup.PhaseBio)
	if err != nil || a.Name() != "mock" {
		t.Fatalf("expected mock for bio, got %v, %v", a, err)
	}
	a, err = reg.Get(warmup.PhaseSetToPrivate)
	if err != nil || a.Name() != "command" {
		t.Fatalf("expected command for set_to_private, got %v, %v", a, err)
	}

	reg.MapPhase(warmup.PhaseGender, "missing")
	_, err = reg.Get(warmup.PhaseGender)
	var noActuator *NoActuatorError
	if !errors.As(err, &noActuator) || noActuator.Phase != warmup.PhaseGender {
		t.Errorf("expected NoActuatorError, got %v", err)
	}
}

func TestBuild(t *testing.T) {
	logger := zap.NewNop().Sugar()
	reg, err := Build(Options{Kind: "mock"}, logger)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if a, _ := reg.Get(warmup.PhaseBio); a.Name() != "mock" {
		t.Errorf("expected mock default")
	}

	if _, err := Build(Options{Kind: "docker"}, logger); err == nil {
		t.Error("expected unsupported kind error")
	}
	if _, err := Build(Options{Kind: "http"}, logger); err == nil {
		t.Error("expected missing base url error")
	}
}

func TestMock_FailsConfiguredPhases(t *testing.T) {
	m := NewMock(0)
	m.Fail[warmup.PhaseGender] = "button not found"

	res, err := m.Execute(context.Background(), &Request{Phase: warmup.PhaseBio})
	if err != nil || !res.Success {
		t.Fatalf("bio should succeed, got %+v, %v", res, err)
	}
	res, err = m.Execute(context.Background(), &Request{Phase: warmup.PhaseGender})
	if err != nil || res.Success || res.ErrorMessage != "button not found" {
		t.Fatalf("gender should fail, got %+v, %v", res, err)
	}
	if len(m.Requests()) != 2 {
		t.Errorf("expected 2 recorded requests, got %d", len(m.Requests()))
	}
}

func TestMock_HonoursDeadline(t *testing.T) {
	m := NewMock(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Execute(ctx, &Request{Phase: warmup.PhaseBio}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func newBridge(t *testing.T, handler fasthttp.RequestHandler) *HTTP {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go fasthttp.Serve(ln, handler) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })

	h, err := NewHTTP(HTTPOptions{
		BaseURL: "http://bridge.local/",
		Token:   "secret",
		Dial:    func(string) (net.Conn, error) { return ln.Dial() },
	}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	return h
}

func TestHTTP_PostsRequest(t *testing.T) {
	var path, auth, body string
	h := newBridge(t, func(ctx *fasthttp.RequestCtx) {
		path = string(ctx.Path())
		auth = string(ctx.Request.Header.Peek("Authorization"))
		body = string(ctx.PostBody())
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"success":true,"duration_ms":1234}`)
	})

	container := 7
	res, err := h.Execute(context.Background(), &Request{
		AccountID:       3,
		Phase:           warmup.PhaseFirstHighlight,
		ContainerNumber: &container,
		Media:           &db.ContentRef{ID: 9, Kind: warmup.KindMedia, Category: warmup.CategoryHighlight, Value: "h.jpg"},
		Text:            "Me",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success || res.DurationMs != 1234 {
		t.Errorf("unexpected result %+v", res)
	}
	if path != "/execute" || auth != "Bearer secret" {
		t.Errorf("unexpected path %q auth %q", path, auth)
	}
	if !strings.Contains(body, `"phase":"first_highlight"`) || !strings.Contains(body, `"text":"Me"`) {
		t.Errorf("unexpected body %s", body)
	}
}

func TestHTTP_ServerErrorIsFailure(t *testing.T) {
	h := newBridge(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString("device offline")
	})
	res, err := h.Execute(context.Background(), &Request{Phase: warmup.PhaseBio})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Success || !strings.Contains(res.ErrorMessage, "502") {
		t.Errorf("expected a 502 failure, got %+v", res)
	}
}

func TestParseHTTPResult(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		success bool
		errMsg  string
	}{
		{"json success", 200, `{"success":true}`, true, ""},
		{"json failure", 200, `{"success":false,"error":"captcha"}`, false, "captcha"},
		{"plain ok", 204, ``, true, ""},
		{"json with bad status", 500, `{"success":true}`, false, "device bridge returned 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := parseHTTPResult(tt.status, []byte(tt.body), 42)
			if res.Success != tt.success || res.ErrorMessage != tt.errMsg {
				t.Errorf("got %+v", res)
			}
			if res.DurationMs != 42 {
				t.Errorf("expected elapsed fallback, got %d", res.DurationMs)
			}
		})
	}
}

func TestParseResult_TruncatesOnCharacterBoundary(t *testing.T) {
	// 199 ASCII bytes put the two-byte "é" across the 200 byte cap
	body := strings.Repeat("a", 199) + strings.Repeat("é", 50)

	httpRes := parseHTTPResult(502, []byte(body), 1)
	cmdRes := parseCommandResult(1, nil, body, 1)
	for name, res := range map[string]*Result{"http": httpRes, "command": cmdRes} {
		if res.Success {
			t.Errorf("%s: expected failure", name)
		}
		if !utf8.ValidString(res.ErrorMessage) {
			t.Errorf("%s: error message is not valid UTF-8: %q", name, res.ErrorMessage)
		}
		if strings.Contains(res.ErrorMessage, "é") {
			t.Errorf("%s: partial character should be dropped, got %q", name, res.ErrorMessage)
		}
	}

	if got := truncate("ab\xffcd", 10); got != "ab\uFFFDcd" {
		t.Errorf("invalid bytes should be replaced, got %q", got)
	}
	if got := truncate("héllo", 2); got != "h" {
		t.Errorf("expected cut before the split character, got %q", got)
	}
}

func TestCommand_RunsScript(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := `[ "$WARMUP_PHASE" = "bio" ] && [ "$WARMUP_TEXT" = "hello" ] && echo '{"success":true,"duration_ms":5}'`
	c, _ := NewCommand(sh, []string{"-c", script}, zap.NewNop().Sugar())

	res, err := c.Execute(context.Background(), &Request{AccountID: 1, Phase: warmup.PhaseBio, Text: "hello"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success || res.DurationMs != 5 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestCommand_NonZeroExitIsFailure(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	c, _ := NewCommand(sh, []string{"-c", "echo boom >&2; exit 3"}, zap.NewNop().Sugar())

	res, err := c.Execute(context.Background(), &Request{Phase: warmup.PhaseGender})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Success || !strings.Contains(res.ErrorMessage, "code 3: boom") {
		t.Errorf("unexpected result %+v", res)
	}
}
