package model

// User is the subset of a user object the runtime itself reads.
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	GlobalName    string    `json:"global_name,omitempty"`
	Discriminator string    `json:"discriminator,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
}

// Channel is the subset of a channel object the runtime itself reads.
type Channel struct {
	ID      Snowflake `json:"id"`
	Type    int       `json:"type"`
	GuildID Snowflake `json:"guild_id,omitempty"`
	Name    string    `json:"name,omitempty"`
}

// Guild is the subset of a guild object the runtime itself reads.
type Guild struct {
	ID      Snowflake `json:"id"`
	Name    string    `json:"name"`
	OwnerID Snowflake `json:"owner_id,omitempty"`
}
