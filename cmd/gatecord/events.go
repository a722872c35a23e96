package main

import (
	"encoding/json"
	"log/slog"

	"github.com/rickgao/gatecord/internal/gateway"
	"github.com/rickgao/gatecord/internal/model"
)

// eventLogger logs dispatches at debug level.
type eventLogger struct {
	logger *slog.Logger
}

func newEventLogger(logger *slog.Logger) *eventLogger {
	return &eventLogger{logger: logger.With("component", "events")}
}

func (l *eventLogger) HandleEvent(ev gateway.Event) {
	if ev.Op != gateway.OpDispatch {
		return
	}
	l.logger.Debug("dispatch",
		"shard", ev.Shard,
		"seq", ev.Seq,
		"type", ev.Type,
		"size", len(ev.Data),
	)
}

// cacheUpdater keeps the entity caches current from gateway dispatches so
// lookups after a change do not wait for the TTL.
type cacheUpdater struct {
	caches *Caches
	logger *slog.Logger
}

func newCacheUpdater(caches *Caches, logger *slog.Logger) *cacheUpdater {
	return &cacheUpdater{caches: caches, logger: logger}
}

func (u *cacheUpdater) HandleEvent(ev gateway.Event) {
	if ev.Op != gateway.OpDispatch {
		return
	}

	switch ev.Type {
	case gateway.EventReady:
		var ready gateway.ReadyData
		if u.decode(ev, &ready) {
			self := ready.User
			u.caches.Self.Set(&self)
			u.caches.Users.Put(string(self.ID), &self)
		}
	case "USER_UPDATE":
		var user model.User
		if u.decode(ev, &user) {
			u.caches.Self.Set(&user)
			u.caches.Users.Put(string(user.ID), &user)
		}
	case "GUILD_CREATE", "GUILD_UPDATE":
		var g model.Guild
		if u.decode(ev, &g) {
			u.caches.Guilds.Put(string(g.ID), &g)
		}
	case "GUILD_DELETE":
		var g model.Guild
		if u.decode(ev, &g) {
			u.caches.Guilds.Invalidate(string(g.ID))
		}
	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		var c model.Channel
		if u.decode(ev, &c) {
			u.caches.Channels.Put(string(c.ID), &c)
		}
	case "CHANNEL_DELETE":
		var c model.Channel
		if u.decode(ev, &c) {
			u.caches.Channels.Invalidate(string(c.ID))
		}
	}
}

func (u *cacheUpdater) decode(ev gateway.Event, v any) bool {
	if err := json.Unmarshal(ev.Data, v); err != nil {
		u.logger.Warn("undecodable dispatch", "type", ev.Type, "shard", ev.Shard, "error", err)
		return false
	}
	return true
}
