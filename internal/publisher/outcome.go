package publisher

import (
	"regexp"
	"strings"
)

// Outcome is the structured reading of a publish tool's free-text reply.
// The remote side has no structured success field, so detection is a
// marker scan plus best-effort identifier capture; everything outside
// this file treats the reply as success-or-not.
type Outcome struct {
	OK       bool
	NoteID   string
	ShareURL string
	Raw      string
}

var (
	successMarkers = []string{"成功", "success", "published"}
	failureMarkers = []string{"失败", "error", "failed", "未登录", "not logged in"}

	noteIDPattern   = regexp.MustCompile(`(?i)(?:note[_\s-]?id|笔记\s*ID)\s*[:：]?\s*([A-Za-z0-9_-]+)`)
	shareURLPattern = regexp.MustCompile(`https?://[^\s"'）)]+`)
)

// ParseOutcome inspects the publish tool's reply text. Failure markers
// win over success markers because replies like "发布失败" contain both
// substrings in other phrasings.
func ParseOutcome(raw string) Outcome {
	out := Outcome{Raw: raw}
	lower := strings.ToLower(raw)

	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return out
		}
	}
	for _, marker := range successMarkers {
		if strings.Contains(lower, marker) {
			out.OK = true
			break
		}
	}
	if !out.OK {
		return out
	}

	if m := noteIDPattern.FindStringSubmatch(raw); m != nil {
		out.NoteID = m[1]
	}
	if m := shareURLPattern.FindString(raw); m != "" {
		out.ShareURL = m
	}
	return out
}
