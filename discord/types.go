package discord

import (
	"strconv"
	"strings"
)

// Permission bits used by governator.
const (
	PermissionAdministrator uint64 = 1 << 3
	PermissionManageGuild   uint64 = 1 << 5
)

// Channel types that can host a poll.
const (
	ChannelTypeText         = 0
	ChannelTypeAnnouncement = 5
)

type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	Owner       bool   `json:"owner"`
	OwnerID     string `json:"owner_id,omitempty"`
	Permissions string `json:"permissions,omitempty"`
	Roles       []Role `json:"roles,omitempty"`
}

// CanManage reports whether the listing user may create polls in the guild.
func (g Guild) CanManage() bool {
	return g.Owner || parsePermissions(g.Permissions)&PermissionAdministrator != 0
}

type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id,omitempty"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Position int    `json:"position"`
	ParentID string `json:"parent_id,omitempty"`
}

type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Permissions string `json:"permissions"`
	Managed     bool   `json:"managed"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Member struct {
	User  *User    `json:"user,omitempty"`
	Roles []string `json:"roles"`
}

// parsePermissions reads the decimal bitset string the API uses.
func parsePermissions(raw string) uint64 {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

// memberPermissions computes a member's guild-level permission set from the
// @everyone role plus each of the member's roles.
func memberPermissions(guild Guild, member Member, userID string) uint64 {
	if guild.OwnerID != "" && guild.OwnerID == userID {
		return ^uint64(0)
	}
	byID := make(map[string]Role, len(guild.Roles))
	for _, role := range guild.Roles {
		byID[role.ID] = role
	}
	var perms uint64
	if everyone, ok := byID[guild.ID]; ok {
		perms |= parsePermissions(everyone.Permissions)
	}
	for _, id := range member.Roles {
		if role, ok := byID[id]; ok {
			perms |= parsePermissions(role.Permissions)
		}
	}
	return perms
}
