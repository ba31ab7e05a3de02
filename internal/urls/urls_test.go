package urls

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRelative(t *testing.T) {
	u := NewRelative("../b.png", "http://example.com/tiles/a.png")
	assert.Equal(t, "http://example.com/b.png", u.Resolve())
}

func TestResolveAbsoluteIgnoresReferrer(t *testing.T) {
	u := NewRelative("http://other.com/x.png", "http://example.com/tiles/a.png")
	assert.Equal(t, "http://other.com/x.png", u.Resolve())
}

func TestResolveNoReferrer(t *testing.T) {
	u := New("http://example.com/a.png")
	assert.Equal(t, "http://example.com/a.png", u.Resolve())
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, URL{}.IsEmpty())
	assert.False(t, New("x").IsEmpty())
}

func TestRewriterAppliesAndClears(t *testing.T) {
	reg := NewRegistry()
	reg.SetRewriter(RewriterFunc(func(u URL) URL {
		u.Full = "rewritten:" + u.Full
		return u
	}))

	out := reg.Rewrite(New("orig"))
	assert.Equal(t, "rewritten:orig", out.Full)

	reg.SetRewriter(nil)
	out = reg.Rewrite(New("orig"))
	assert.Equal(t, "orig", out.Full)
}

type recordingHandler struct {
	initCalls int
	getCalls  int
}

func (h *recordingHandler) OnInitialize(handle any) { h.initCalls++ }
func (h *recordingHandler) OnGet(handle any)        { h.getCalls++ }

func TestConfigHandlerNotifications(t *testing.T) {
	reg := NewRegistry()
	h := &recordingHandler{}
	reg.SetConfigHandler(h)

	reg.NotifyInitialize("handle")
	reg.NotifyGet("handle")
	reg.NotifyGet("handle")

	assert.Equal(t, 1, h.initCalls)
	assert.Equal(t, 2, h.getCalls)
}

func TestNotifyWithoutHandlerIsNoop(t *testing.T) {
	reg := NewRegistry()
	assert.NotPanics(t, func() {
		reg.NotifyInitialize("x")
		reg.NotifyGet("x")
	})
}

func TestDefaultRegistryIsProcessGlobal(t *testing.T) {
	prev := Default.rewriter
	defer func() { Default.rewriter = prev }()

	SetRewriter(RewriterFunc(func(u URL) URL {
		u.Full = "global:" + u.Full
		return u
	}))
	assert.Equal(t, "global:x", Rewrite(New("x")).Full)
}
