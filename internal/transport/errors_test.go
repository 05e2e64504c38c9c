package transport

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err   error
		gone  bool
		unav  bool
		nomod bool
	}{
		{nil, false, false, false},
		{errors.New("telegram: Bad Request: message thread not found (400)"), true, false, false},
		{fmt.Errorf("send copy: %w", errors.New("TOPIC_DELETED")), true, false, false},
		{errors.New("telegram: Forbidden: bot was blocked by the user (403)"), false, true, false},
		{errors.New("telegram: Forbidden: user is deactivated (403)"), false, true, false},
		{errors.New("telegram: Bad Request: chat not found (400)"), false, true, false},
		{errors.New("telegram: Bad Request: message is not modified (400)"), false, false, true},
		{errors.New("telegram: internal server error"), false, false, false},
	}
	for _, tc := range cases {
		if got := IsThreadGone(tc.err); got != tc.gone {
			t.Fatalf("IsThreadGone(%v) = %v, want %v", tc.err, got, tc.gone)
		}
		if got := IsRecipientUnavailable(tc.err); got != tc.unav {
			t.Fatalf("IsRecipientUnavailable(%v) = %v, want %v", tc.err, got, tc.unav)
		}
		if got := IsNotModified(tc.err); got != tc.nomod {
			t.Fatalf("IsNotModified(%v) = %v, want %v", tc.err, got, tc.nomod)
		}
	}
}
