// Copyright 2024-2026 Aiku AI

package bridge

import "fmt"

// jumpURL links to a Discord message.
func jumpURL(guildID, channelID, messageID string) string {
	if guildID == "" {
		guildID = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

// mention renders a Discord user mention.
func mention(userID string) string {
	return "<@" + userID + ">"
}
