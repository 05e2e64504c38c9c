package relay

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	captchaDecoys   = 7
	captchaMute     = 2 * time.Minute
	captchaRowWidth = 4
)

type pendingChallenge struct {
	code      string
	messageID int
}

// Captcha gates first contact behind a pick-the-code challenge. State
// is in memory: a restart re-challenges unverified requesters, which is
// acceptable since verification is a one-tap affair.
type Captcha struct {
	gw  transport.Gateway
	log logx.Logger

	mu         sync.Mutex
	verified   map[int64]struct{}
	pending    map[int64]pendingChallenge
	mutedUntil map[int64]time.Time
}

func NewCaptcha(gw transport.Gateway, log logx.Logger) *Captcha {
	return &Captcha{
		gw:         gw,
		log:        log,
		verified:   make(map[int64]struct{}),
		pending:    make(map[int64]pendingChallenge),
		mutedUntil: make(map[int64]time.Time),
	}
}

func (c *Captcha) Verified(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.verified[id]
	return ok
}

// MutedFor returns the remaining mute after a failed attempt, or zero.
func (c *Captcha) MutedFor(id int64, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.mutedUntil[id]
	if !ok || !now.Before(until) {
		return 0
	}
	return until.Sub(now)
}

// Challenge sends (or re-sends) the verification prompt to a requester's
// private chat. Idempotent while a challenge is outstanding.
func (c *Captcha) Challenge(ctx context.Context, userChat int64) error {
	c.mu.Lock()
	if _, ok := c.pending[userChat]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	code, options := buildCodes()
	var rows [][]transport.Button
	for i := 0; i < len(options); i += captchaRowWidth {
		end := i + captchaRowWidth
		if end > len(options) {
			end = len(options)
		}
		var row []transport.Button
		for _, opt := range options[i:end] {
			row = append(row, transport.Button{
				Text: opt,
				Data: fmt.Sprintf("vcode|%s|%d", opt, userChat),
			})
		}
		rows = append(rows, row)
	}

	msgID, err := c.gw.SendText(ctx, transport.ChatTarget{ChatID: userChat},
		fmt.Sprintf("Please tap %s to verify you are human.", code),
		&transport.SendOptions{Buttons: rows})
	if err != nil {
		return fmt.Errorf("send captcha: %w", err)
	}

	c.mu.Lock()
	c.pending[userChat] = pendingChallenge{code: code, messageID: msgID}
	c.mu.Unlock()
	c.log.Debug("captcha issued", logx.Int64("requester_id", userChat))
	return nil
}

// HandleCallback resolves a vcode button press. It answers the
// callback, removes the challenge message and either verifies the
// requester or mutes them for a short penalty window.
func (c *Captcha) HandleCallback(ctx context.Context, cb transport.Callback, now time.Time) (passed bool, handled bool) {
	parts := strings.Split(cb.Data, "|")
	if len(parts) != 3 || parts[0] != "vcode" {
		return false, false
	}
	uid, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || uid != cb.From.ID {
		// Button belongs to someone else; ignore quietly.
		_ = c.gw.AnswerCallback(ctx, cb.ID, "", false)
		return false, true
	}

	c.mu.Lock()
	ch, ok := c.pending[uid]
	if !ok {
		c.mu.Unlock()
		_ = c.gw.AnswerCallback(ctx, cb.ID, "", false)
		return false, true
	}
	delete(c.pending, uid)
	passed = parts[1] == ch.code
	if passed {
		c.verified[uid] = struct{}{}
	} else {
		c.mutedUntil[uid] = now.Add(captchaMute)
	}
	c.mu.Unlock()

	if err := c.gw.DeleteMessage(ctx, cb.ChatID, ch.messageID); err != nil {
		c.log.Debug("captcha prompt cleanup failed", logx.Err(err))
	}
	if passed {
		_ = c.gw.AnswerCallback(ctx, cb.ID, "Verified. You can write now.", false)
		c.log.Info("captcha passed", logx.Int64("requester_id", uid))
	} else {
		_ = c.gw.AnswerCallback(ctx, cb.ID,
			fmt.Sprintf("Wrong code. Try again in %s.", captchaMute), true)
		c.log.Info("captcha failed", logx.Int64("requester_id", uid))
	}
	return passed, true
}

// MarkVerified bypasses the challenge, used when the gate is disabled
// mid-flight or for requesters grandfathered in.
func (c *Captcha) MarkVerified(id int64) {
	c.mu.Lock()
	c.verified[id] = struct{}{}
	delete(c.pending, id)
	c.mu.Unlock()
}

// buildCodes draws the expected code plus decoys, all distinct
// four-digit strings, shuffled but rendered in sorted order so the
// layout leaks nothing.
func buildCodes() (code string, options []string) {
	seen := make(map[string]struct{}, captchaDecoys+1)
	for len(seen) < captchaDecoys+1 {
		seen[strconv.Itoa(1000+rand.Intn(9000))] = struct{}{}
	}
	for s := range seen {
		options = append(options, s)
	}
	sort.Strings(options)
	code = options[rand.Intn(len(options))]
	return code, options
}
