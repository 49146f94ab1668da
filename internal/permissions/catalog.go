package permissions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Permission is a capability identifier from the fixed catalog below.
// Values outside the catalog are rejected by Parse and never persisted.
type Permission string

const (
	// General server
	ManageServer    Permission = "MANAGE_SERVER"
	ManageRoles     Permission = "MANAGE_ROLES"
	ManageChannels  Permission = "MANAGE_CHANNELS"
	KickMembers     Permission = "KICK_MEMBERS"
	BanMembers      Permission = "BAN_MEMBERS"
	CreateInvite    Permission = "CREATE_INVITE"
	ChangeNickname  Permission = "CHANGE_NICKNAME"
	ManageNicknames Permission = "MANAGE_NICKNAMES"
	ViewAuditLog    Permission = "VIEW_AUDIT_LOG"

	// Text channels
	ViewChannel        Permission = "VIEW_CHANNEL"
	SendMessages       Permission = "SEND_MESSAGES"
	SendTTSMessages    Permission = "SEND_TTS_MESSAGES"
	ManageMessages     Permission = "MANAGE_MESSAGES"
	EmbedLinks         Permission = "EMBED_LINKS"
	AttachFiles        Permission = "ATTACH_FILES"
	ReadMessageHistory Permission = "READ_MESSAGE_HISTORY"
	MentionEveryone    Permission = "MENTION_EVERYONE"
	UseExternalEmojis  Permission = "USE_EXTERNAL_EMOJIS"
	AddReactions       Permission = "ADD_REACTIONS"

	// Voice channels
	Connect       Permission = "CONNECT"
	Speak         Permission = "SPEAK"
	MuteMembers   Permission = "MUTE_MEMBERS"
	DeafenMembers Permission = "DEAFEN_MEMBERS"
	MoveMembers   Permission = "MOVE_MEMBERS"
	UseVAD        Permission = "USE_VAD"

	// Grants every other permission.
	Administrator Permission = "ADMINISTRATOR"
)

// All is the full ordered catalog.
var All = []Permission{
	ManageServer, ManageRoles, ManageChannels, KickMembers, BanMembers,
	CreateInvite, ChangeNickname, ManageNicknames, ViewAuditLog,

	ViewChannel, SendMessages, SendTTSMessages, ManageMessages, EmbedLinks,
	AttachFiles, ReadMessageHistory, MentionEveryone, UseExternalEmojis, AddReactions,

	Connect, Speak, MuteMembers, DeafenMembers, MoveMembers, UseVAD,

	Administrator,
}

// Category groups permissions for display. It carries no authorization meaning.
type Category struct {
	Key         string       `json:"key"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}

var Categories = []Category{
	{
		Key:  "GENERAL",
		Name: "General Server Permissions",
		Permissions: []Permission{
			ViewAuditLog, ManageServer, ManageRoles, ManageChannels, KickMembers,
			BanMembers, CreateInvite, ChangeNickname, ManageNicknames, Administrator,
		},
	},
	{
		Key:  "TEXT",
		Name: "Text Channel Permissions",
		Permissions: []Permission{
			ViewChannel, SendMessages, SendTTSMessages, ManageMessages, EmbedLinks,
			AttachFiles, ReadMessageHistory, MentionEveryone, UseExternalEmojis, AddReactions,
		},
	},
	{
		Key:  "VOICE",
		Name: "Voice Channel Permissions",
		Permissions: []Permission{
			Connect, Speak, MuteMembers, DeafenMembers, MoveMembers, UseVAD,
		},
	},
}

var Descriptions = map[Permission]string{
	Administrator:      "Members with this permission have every permission and can also edit server and channel permissions. This is a dangerous permission to grant.",
	ViewAuditLog:       "Members with this permission can view the server audit log.",
	ManageServer:       "Members with this permission can edit the server information and settings.",
	ManageRoles:        "Members with this permission can create new roles and edit or delete roles lower than their highest role.",
	ManageChannels:     "Members with this permission can create, edit, or delete channels.",
	KickMembers:        "Members with this permission can remove other members from this server.",
	BanMembers:         "Members with this permission can ban other members from this server.",
	CreateInvite:       "Members with this permission can invite new people to this server.",
	ChangeNickname:     "Members with this permission can change their own nickname.",
	ManageNicknames:    "Members with this permission can change other members' nicknames.",
	ViewChannel:        "Members with this permission can view this channel.",
	SendMessages:       "Members with this permission can send messages in this channel.",
	SendTTSMessages:    "Members with this permission can send text-to-speech messages.",
	ManageMessages:     "Members with this permission can delete messages from other members or pin any message.",
	EmbedLinks:         "Members with this permission can post content that display as website previews.",
	AttachFiles:        "Members with this permission can upload images and files.",
	ReadMessageHistory: "Members with this permission can read previous messages.",
	MentionEveryone:    "Members with this permission can use @everyone or @here.",
	UseExternalEmojis:  "Members with this permission can use emoji from other servers.",
	AddReactions:       "Members with this permission can add new reactions to a message.",
	Connect:            "Members with this permission can connect to this voice channel.",
	Speak:              "Members with this permission can speak in this voice channel.",
	MuteMembers:        "Members with this permission can mute other members in voice channels.",
	DeafenMembers:      "Members with this permission can deafen other members in voice channels.",
	MoveMembers:        "Members with this permission can move members between voice channels.",
	UseVAD:             "Members with this permission can use voice activity detection in voice channels.",
}

// Tier names a default permission set.
type Tier string

const (
	TierEveryone  Tier = "EVERYONE"
	TierModerator Tier = "MODERATOR"
	TierAdmin     Tier = "ADMIN"
)

var everyoneDefaults = []Permission{
	ViewChannel, SendMessages, EmbedLinks, AttachFiles, ReadMessageHistory,
	UseExternalEmojis, AddReactions, Connect, Speak, UseVAD, ChangeNickname,
}

var moderatorDefaults = concat(everyoneDefaults,
	ManageMessages, KickMembers, MuteMembers, DeafenMembers, MoveMembers, ManageNicknames,
)

var adminDefaults = concat(moderatorDefaults,
	ManageServer, ManageRoles, ManageChannels, BanMembers, CreateInvite, ViewAuditLog,
)

// Defaults holds the preset permission sets per tier. Callers must not
// mutate the slices; use DefaultsFor for a copy.
var Defaults = map[Tier][]Permission{
	TierEveryone:  everyoneDefaults,
	TierModerator: moderatorDefaults,
	TierAdmin:     adminDefaults,
}

// DefaultsFor returns a copy of the preset set for tier.
func DefaultsFor(t Tier) []Permission {
	return append([]Permission(nil), Defaults[t]...)
}

func concat(base []Permission, extra ...Permission) []Permission {
	out := make([]Permission, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

var index = func() map[Permission]int {
	m := make(map[Permission]int, len(All))
	for i, p := range All {
		m[p] = i
	}
	return m
}()

// Valid reports whether p is in the catalog.
func Valid(p Permission) bool {
	_, ok := index[p]
	return ok
}

// UnknownPermissionError lists the rejected identifiers of a batch.
type UnknownPermissionError struct {
	Values []string
}

func (e *UnknownPermissionError) Error() string {
	return "unknown permission: " + strings.Join(e.Values, ", ")
}

// Parse converts an untrusted string into a Permission.
func Parse(s string) (Permission, error) {
	p := Permission(s)
	if !Valid(p) {
		return "", &UnknownPermissionError{Values: []string{s}}
	}
	return p, nil
}

// ParseList parses a batch. Any unknown entry rejects the whole batch and
// every offending value is reported.
func ParseList(values []string) ([]Permission, error) {
	out := make([]Permission, 0, len(values))
	var bad []string
	for _, v := range values {
		p := Permission(v)
		if !Valid(p) {
			bad = append(bad, v)
			continue
		}
		out = append(out, p)
	}
	if len(bad) > 0 {
		return nil, &UnknownPermissionError{Values: bad}
	}
	return out, nil
}

// UnmarshalJSON rejects identifiers outside the catalog.
func (p *Permission) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// CheckCatalog verifies that every category entry, default set entry and
// description key refers to a catalog permission, and that every catalog
// permission is described and categorised.
func CheckCatalog() error {
	categorised := map[Permission]bool{}
	for _, c := range Categories {
		for _, p := range c.Permissions {
			if !Valid(p) {
				return fmt.Errorf("category %s references unknown permission %s", c.Key, p)
			}
			categorised[p] = true
		}
	}
	for tier, set := range Defaults {
		for _, p := range set {
			if !Valid(p) {
				return fmt.Errorf("default set %s references unknown permission %s", tier, p)
			}
		}
	}
	for p := range Descriptions {
		if !Valid(p) {
			return fmt.Errorf("description for unknown permission %s", p)
		}
	}
	for _, p := range All {
		if _, ok := Descriptions[p]; !ok {
			return fmt.Errorf("permission %s has no description", p)
		}
		if !categorised[p] {
			return fmt.Errorf("permission %s belongs to no category", p)
		}
	}
	return nil
}

// Summary is the catalog as clients browse it.
type Summary struct {
	Permissions  []Permission          `json:"permissions"`
	Categories   []Category            `json:"categories"`
	Descriptions map[Permission]string `json:"descriptions"`
}

func CatalogSummary() Summary {
	return Summary{
		Permissions:  append([]Permission(nil), All...),
		Categories:   Categories,
		Descriptions: Descriptions,
	}
}
