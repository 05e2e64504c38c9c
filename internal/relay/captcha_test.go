package relay

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func issuedChallenge(t *testing.T, gw *fakeGateway, uid int64) (code string, options []string) {
	t.Helper()
	gw.mu.Lock()
	defer gw.mu.Unlock()
	// Scan in order so a later re-challenge wins.
	for _, tc := range gw.texts {
		if tc.To.ChatID != uid || tc.Opt == nil {
			continue
		}
		var opts []string
		for _, row := range tc.Opt.Buttons {
			for _, b := range row {
				parts := strings.Split(b.Data, "|")
				if len(parts) == 3 && parts[0] == "vcode" {
					opts = append(opts, parts[1])
				}
			}
		}
		if len(opts) == 0 {
			continue
		}
		options = opts
		code = ""
		// The prompt names the expected code.
		for _, opt := range opts {
			if strings.Contains(tc.Text, opt) {
				code = opt
			}
		}
	}
	if code == "" || len(options) == 0 {
		t.Fatalf("no challenge found for %d", uid)
	}
	return code, options
}

func TestCaptchaPassAndFail(t *testing.T) {
	gw := newFakeGateway()
	c := NewCaptcha(gw, logx.Nop())
	ctx := context.Background()
	now := time.Now()

	if err := c.Challenge(ctx, 500); err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	code, options := issuedChallenge(t, gw, 500)
	if len(options) != captchaDecoys+1 {
		t.Fatalf("challenge offers %d options, want %d", len(options), captchaDecoys+1)
	}

	// Wrong answer mutes.
	wrong := ""
	for _, opt := range options {
		if opt != code {
			wrong = opt
			break
		}
	}
	passed, handled := c.HandleCallback(ctx, transport.Callback{
		ID: "cb1", ChatID: 500, From: transport.User{ID: 500},
		Data: fmt.Sprintf("vcode|%s|%d", wrong, 500),
	}, now)
	if !handled || passed {
		t.Fatalf("wrong answer: passed=%v handled=%v", passed, handled)
	}
	if c.Verified(500) {
		t.Fatalf("wrong answer verified the requester")
	}
	if c.MutedFor(500, now.Add(time.Second)) == 0 {
		t.Fatalf("wrong answer did not mute")
	}
	if c.MutedFor(500, now.Add(captchaMute+time.Second)) != 0 {
		t.Fatalf("mute did not expire")
	}

	// New challenge, right answer verifies.
	if err := c.Challenge(ctx, 500); err != nil {
		t.Fatalf("second Challenge: %v", err)
	}
	code, _ = issuedChallenge(t, gw, 500)
	passed, handled = c.HandleCallback(ctx, transport.Callback{
		ID: "cb2", ChatID: 500, From: transport.User{ID: 500},
		Data: fmt.Sprintf("vcode|%s|%d", code, 500),
	}, now)
	if !handled || !passed {
		t.Fatalf("right answer: passed=%v handled=%v", passed, handled)
	}
	if !c.Verified(500) {
		t.Fatalf("requester not verified after correct answer")
	}
}

func TestCaptchaIgnoresForeignButtons(t *testing.T) {
	gw := newFakeGateway()
	c := NewCaptcha(gw, logx.Nop())
	ctx := context.Background()

	if err := c.Challenge(ctx, 500); err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	code, _ := issuedChallenge(t, gw, 500)

	// Someone else taps the button: no effect on the owner.
	passed, handled := c.HandleCallback(ctx, transport.Callback{
		ID: "cb", ChatID: 500, From: transport.User{ID: 999},
		Data: fmt.Sprintf("vcode|%s|%d", code, 500),
	}, time.Now())
	if passed || !handled {
		t.Fatalf("foreign tap: passed=%v handled=%v", passed, handled)
	}
	if c.Verified(500) {
		t.Fatalf("foreign tap verified the owner")
	}
}

func TestCaptchaGateInEngine(t *testing.T) {
	e, gw, st, _ := newTestEngine(t, func(s *Settings) {
		s.CaptchaEnabled = true
	})
	ctx := context.Background()

	// First message only triggers the challenge, nothing is relayed.
	e.handle(ctx, userMsg(1, 500, "hello"))
	if gw.copyCount() != 0 {
		t.Fatalf("unverified requester was relayed")
	}
	code, _ := issuedChallenge(t, gw, 500)

	e.handle(ctx, transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
		ID: "cb", ChatID: 500, From: transport.User{ID: 500},
		Data: fmt.Sprintf("vcode|%s|%d", code, 500),
	}})

	e.handle(ctx, userMsg(2, 500, "hello again"))
	if gw.copyCount() != 1 {
		t.Fatalf("verified requester not relayed")
	}
	if _, ok, _ := st.MappingByUserMsg(ctx, 500, 2); !ok {
		t.Fatalf("mapping missing after verification")
	}
}
