package transport

import "strings"

// Telegram reports delivery problems through Bad Request descriptions.
// Classification is by substring so it works for any error wrapping the
// platform response.

func IsThreadGone(err error) bool {
	return containsAny(err,
		"message thread not found",
		"topic_deleted",
		"topic deleted",
	)
}

func IsRecipientUnavailable(err error) bool {
	return containsAny(err,
		"bot was blocked by the user",
		"user is deactivated",
		"chat not found",
	)
}

func IsNotModified(err error) bool {
	return containsAny(err, "message is not modified")
}

func containsAny(err error, subs ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
