package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var loginPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,25}$`)

var twitchHosts = map[string]bool{
	"twitch.tv":     true,
	"www.twitch.tv": true,
	"m.twitch.tv":   true,
}

// ParseChannelLogin extracts the lowercase login from a channel URL such as
// https://www.twitch.tv/name. A bare login is accepted as well.
func ParseChannelLogin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if loginPattern.MatchString(raw) {
		return strings.ToLower(raw), nil
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTwitchURL, err)
	}
	if !twitchHosts[strings.ToLower(u.Hostname())] {
		return "", fmt.Errorf("%w: unexpected host %q", ErrInvalidTwitchURL, u.Hostname())
	}

	login, _, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if !loginPattern.MatchString(login) {
		return "", fmt.Errorf("%w: no channel name in %q", ErrInvalidTwitchURL, raw)
	}
	return strings.ToLower(login), nil
}
