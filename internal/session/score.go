package session

import (
	"strings"
	"time"
)

// Score weights. Higher scores survive eviction; the candidate with the
// lowest score is the oldest, most inactive, least similar session.
const (
	weightAge        = 0.35
	weightActivity   = 0.40
	weightSimilarity = 0.25

	// Past these horizons a session contributes nothing on that axis.
	ageHorizon  = 30 * 24 * time.Hour
	idleHorizon = 24 * time.Hour
)

// score rates an existing session against the incoming login. Recently
// created, recently used sessions from a similar device score high.
func score(existing *Session, incoming DeviceInfo, now time.Time) float64 {
	age := now.Sub(existing.CreatedAt)
	idle := now.Sub(existing.LastActiveAt)

	ageScore := 1.0 - clamp01(float64(age)/float64(ageHorizon))
	activityScore := 1.0 - clamp01(float64(idle)/float64(idleHorizon))
	simScore := deviceSimilarity(existing.Device, incoming)

	return weightAge*ageScore + weightActivity*activityScore + weightSimilarity*simScore
}

// deviceSimilarity returns a value in [0,1]. IP equality dominates, the
// user agent breaks ties between devices behind the same NAT.
func deviceSimilarity(a, b DeviceInfo) float64 {
	var s float64
	if a.IPAddress != "" && a.IPAddress == b.IPAddress {
		s += 0.5
	}
	if a.UserAgent != "" && a.UserAgent == b.UserAgent {
		s += 0.4
	} else if browserFamily(a.UserAgent) != "" && browserFamily(a.UserAgent) == browserFamily(b.UserAgent) {
		s += 0.2
	}
	if a.DeviceName != "" && a.DeviceName == b.DeviceName {
		s += 0.1
	}
	return clamp01(s)
}

// browserFamily extracts a coarse browser family from a user-agent string.
// Order matters: Edge and Opera embed "Chrome", Chrome embeds "Safari".
func browserFamily(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge"):
		return "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case strings.Contains(ua, "chrome"):
		return "chrome"
	case strings.Contains(ua, "safari"):
		return "safari"
	case strings.Contains(ua, "curl"), strings.Contains(ua, "wget"):
		return "cli"
	default:
		return "other"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
