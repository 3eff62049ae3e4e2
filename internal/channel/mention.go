package channel

import (
	"regexp"
	"strings"
)

// discordMentionPattern covers user (<@id>, <@!id>), channel (<#id>) and role (<@&id>) mentions.
var discordMentionPattern = regexp.MustCompile(`<(?:@!?|#|@&)\d+>`)

var spaceRun = regexp.MustCompile(`[ \t]{2,}`)

// StripMentions removes the bot's mention tokens and, for platforms with
// inline id syntax, every user, channel and role mention.
func StripMentions(platform ChannelType, content string, tokens []string) string {
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		content = strings.ReplaceAll(content, token, "")
	}
	if usesInlineMentionIDs(platform) {
		content = discordMentionPattern.ReplaceAllString(content, "")
	}
	content = spaceRun.ReplaceAllString(content, " ")
	return strings.TrimSpace(content)
}

// ContainsMention reports whether content addresses userID with inline mention syntax.
func ContainsMention(content, userID string) bool {
	if userID == "" {
		return false
	}
	return strings.Contains(content, "<@"+userID+">") || strings.Contains(content, "<@!"+userID+">")
}

func usesInlineMentionIDs(platform ChannelType) bool {
	return platform == "discord"
}
