package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxPublicMessage caps any failure text that reaches a client.
const MaxPublicMessage = 100

// ErrorKind classifies failures along the job lifecycle.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindThrottled
	KindTransient
	KindPermanent
	KindSizeLimit
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindThrottled:
		return "Throttled"
	case KindTransient:
		return "TransientExtraction"
	case KindPermanent:
		return "PermanentExtraction"
	case KindSizeLimit:
		return "SizeLimitExceeded"
	case KindStorage:
		return "Storage"
	default:
		return "Unknown"
	}
}

// Error carries a kind, a short client-safe message and the internal cause.
// Message must never hold raw tool output; that belongs in Cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s | cause: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err wraps an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// transientHints mark anti-automation challenges and availability hiccups that
// are worth another attempt.
var transientHints = []string{
	"not a bot",
	"http error 429",
	"status code 429",
	"too many requests",
	"rate limit",
	"rate-limit",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"connection reset",
	"service unavailable",
	"network is unreachable",
	"http error 5",
}

// Classify maps extraction tool output to a transient or permanent kind.
// Only ERROR lines are considered when present, so retry chatter in earlier
// WARNING lines does not mask a permanent failure.
func Classify(output string) ErrorKind {
	text := strings.Join(errorLines(output), "\n")
	if text == "" {
		text = output
	}
	text = strings.ToLower(text)
	for _, h := range transientHints {
		if strings.Contains(text, h) {
			return KindTransient
		}
	}
	return KindPermanent
}

// publicReasons map known tool reasons to fixed client text. Order matters:
// yt-dlp reports private videos as "Video unavailable. This video is private".
var publicReasons = []struct {
	hints []string
	text  string
}{
	{[]string{"private video", "video is private"}, "video is private"},
	{[]string{"confirm your age", "age-restricted", "age restricted", "inappropriate for some users"}, "video is age-restricted"},
	{[]string{"members-only", "members only", "join this channel"}, "video is for channel members only"},
	{[]string{"not available in your country", "blocked it in your country", "geo restrict", "geo-restrict", "from your location"}, "video is not available in this region"},
	{[]string{"unsupported url"}, "unsupported URL"},
	{[]string{"video unavailable", "has been removed", "no longer available", "does not exist", "http error 404"}, "video is unavailable"},
}

// PublicReason maps a raw tool reason to fixed client text, or "" when the
// reason is not a known one.
func PublicReason(reason string) string {
	text := strings.ToLower(reason)
	for _, r := range publicReasons {
		for _, h := range r.hints {
			if strings.Contains(text, h) {
				return r.text
			}
		}
	}
	return ""
}

// PublicMessage renders err as short text that is safe to surface to clients.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var msg string
	var e *Error
	switch {
	case errors.As(err, &e):
		switch e.Kind {
		case KindTransient:
			msg = "source is throttling requests, try again later"
		case KindPermanent:
			msg = "could not retrieve media"
			if e.Message != "" {
				msg += ": " + e.Message
			}
		default:
			msg = e.Message
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		msg = "retrieval was interrupted"
	default:
		msg = "unexpected processing failure"
	}
	return Truncate(msg, MaxPublicMessage)
}

// Truncate caps s at max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

func errorLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ERROR:") {
			lines = append(lines, line)
		}
	}
	return lines
}

// toolReason extracts the last "ERROR:" line of tool output and strips the
// extractor/id prefix so only the human reason remains.
func toolReason(output string) string {
	lines := errorLines(output)
	if len(lines) == 0 {
		return ""
	}
	reason := strings.TrimSpace(strings.TrimPrefix(lines[len(lines)-1], "ERROR:"))
	if strings.HasPrefix(reason, "[") {
		if end := strings.Index(reason, "]"); end >= 0 {
			reason = strings.TrimSpace(reason[end+1:])
			if colon := strings.Index(reason, ": "); colon >= 0 && !strings.Contains(reason[:colon], " ") {
				reason = strings.TrimSpace(reason[colon+2:])
			}
		}
	}
	return reason
}
