package voice

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// NameResolver provides human-friendly names for IDs when available.
// Implementations may consult caches or the Discord session state.
type NameResolver interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// NoopResolver returns empty names. Useful for tests or when REST lookups
// are unwanted.
type NoopResolver struct{}

func NewNoopResolver() *NoopResolver { return &NoopResolver{} }

func (n *NoopResolver) UserName(userID string) string       { return "" }
func (n *NoopResolver) GuildName(guildID string) string     { return "" }
func (n *NoopResolver) ChannelName(channelID string) string { return "" }

// cacheTTL controls how long a cached name is valid.
var cacheTTL = 5 * time.Minute

const resolverCacheSize = 512

type discordResolver struct {
	s        *discordgo.Session
	users    *expirable.LRU[string, string]
	guilds   *expirable.LRU[string, string]
	channels *expirable.LRU[string, string]
}

// NewDiscordResolver resolves names from session state first and the REST
// API second, caching answers for cacheTTL.
func NewDiscordResolver(s *discordgo.Session) NameResolver {
	return &discordResolver{
		s:        s,
		users:    expirable.NewLRU[string, string](resolverCacheSize, nil, cacheTTL),
		guilds:   expirable.NewLRU[string, string](resolverCacheSize, nil, cacheTTL),
		channels: expirable.NewLRU[string, string](resolverCacheSize, nil, cacheTTL),
	}
}

func (d *discordResolver) resolve(cache *expirable.LRU[string, string], id string, lookup func() string) string {
	if d.s == nil || id == "" {
		return ""
	}
	if v, ok := cache.Get(id); ok {
		return v
	}
	name := lookup()
	if name != "" {
		cache.Add(id, name)
	}
	return name
}

func (d *discordResolver) UserName(userID string) string {
	return d.resolve(d.users, userID, func() string {
		if u, err := d.s.User(userID); err == nil && u != nil {
			if u.GlobalName != "" {
				return u.GlobalName
			}
			return u.Username
		}
		return ""
	})
}

func (d *discordResolver) GuildName(guildID string) string {
	return d.resolve(d.guilds, guildID, func() string {
		if d.s.State != nil {
			if g, err := d.s.State.Guild(guildID); err == nil && g != nil {
				return g.Name
			}
		}
		if g, err := d.s.Guild(guildID); err == nil && g != nil {
			return g.Name
		}
		return ""
	})
}

func (d *discordResolver) ChannelName(channelID string) string {
	return d.resolve(d.channels, channelID, func() string {
		if d.s.State != nil {
			if c, err := d.s.State.Channel(channelID); err == nil && c != nil {
				return c.Name
			}
		}
		if c, err := d.s.Channel(channelID); err == nil && c != nil {
			return c.Name
		}
		return ""
	})
}
