package model

import (
	"fmt"
	"strings"
)

// Intent is a gateway intent bit.
type Intent int

const (
	IntentGuilds                      Intent = 1 << 0
	IntentGuildMembers                Intent = 1 << 1
	IntentGuildModeration             Intent = 1 << 2
	IntentGuildEmojisAndStickers      Intent = 1 << 3
	IntentGuildIntegrations           Intent = 1 << 4
	IntentGuildWebhooks               Intent = 1 << 5
	IntentGuildInvites                Intent = 1 << 6
	IntentGuildVoiceStates            Intent = 1 << 7
	IntentGuildPresences              Intent = 1 << 8
	IntentGuildMessages               Intent = 1 << 9
	IntentGuildMessageReactions       Intent = 1 << 10
	IntentGuildMessageTyping          Intent = 1 << 11
	IntentDirectMessages              Intent = 1 << 12
	IntentDirectMessageReactions      Intent = 1 << 13
	IntentDirectMessageTyping         Intent = 1 << 14
	IntentMessageContent              Intent = 1 << 15
	IntentGuildScheduledEvents        Intent = 1 << 16
	IntentAutoModerationConfiguration Intent = 1 << 20
	IntentAutoModerationExecution     Intent = 1 << 21
)

// Privileged intents must be enabled for the application before use.
const IntentsPrivileged = IntentGuildMembers | IntentGuildPresences | IntentMessageContent

var intentNames = map[string]Intent{
	"guilds":                        IntentGuilds,
	"guild_members":                 IntentGuildMembers,
	"guild_moderation":              IntentGuildModeration,
	"guild_emojis_and_stickers":     IntentGuildEmojisAndStickers,
	"guild_integrations":            IntentGuildIntegrations,
	"guild_webhooks":                IntentGuildWebhooks,
	"guild_invites":                 IntentGuildInvites,
	"guild_voice_states":            IntentGuildVoiceStates,
	"guild_presences":               IntentGuildPresences,
	"guild_messages":                IntentGuildMessages,
	"guild_message_reactions":       IntentGuildMessageReactions,
	"guild_message_typing":          IntentGuildMessageTyping,
	"direct_messages":               IntentDirectMessages,
	"direct_message_reactions":      IntentDirectMessageReactions,
	"direct_message_typing":         IntentDirectMessageTyping,
	"message_content":               IntentMessageContent,
	"guild_scheduled_events":        IntentGuildScheduledEvents,
	"auto_moderation_configuration": IntentAutoModerationConfiguration,
	"auto_moderation_execution":     IntentAutoModerationExecution,
}

// ParseIntents combines intent names as written in config files.
// "all" selects every intent, "unprivileged" every non-privileged one.
func ParseIntents(names []string) (Intent, error) {
	var out Intent
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		switch key {
		case "":
			continue
		case "all":
			out |= allIntents()
			continue
		case "unprivileged":
			out |= allIntents() &^ IntentsPrivileged
			continue
		}
		bit, ok := intentNames[key]
		if !ok {
			return 0, fmt.Errorf("unknown intent %q", n)
		}
		out |= bit
	}
	return out, nil
}

// Has reports whether all bits of other are set.
func (i Intent) Has(other Intent) bool {
	return i&other == other
}

func allIntents() Intent {
	var all Intent
	for _, bit := range intentNames {
		all |= bit
	}
	return all
}
