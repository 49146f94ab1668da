package channels

import (
	"context"

	"github.com/clk-66/concord/internal/permissions"
)

// MemberLister lists the users that belong to a server.
type MemberLister interface {
	ServerMemberIDs(ctx context.Context, serverID string) ([]string, error)
}

// Visibility decides who may see a channel. Public channels are visible to
// every member of their server, private ones only to members holding
// MANAGE_CHANNELS.
type Visibility struct {
	svc     *Service
	members MemberLister
	guard   Guard
}

func NewVisibility(svc *Service, members MemberLister, guard Guard) *Visibility {
	return &Visibility{svc: svc, members: members, guard: guard}
}

// SeesPrivate reports whether userID may see the private channels of serverID.
func (v *Visibility) SeesPrivate(ctx context.Context, userID, serverID string) (bool, error) {
	return v.guard.HasPermission(ctx, userID, serverID, permissions.ManageChannels)
}

// Viewers returns the users who may see ch. It only reads ch's server and
// privacy, so it still works after ch has been deleted.
func (v *Visibility) Viewers(ctx context.Context, ch *Channel) ([]string, error) {
	ids, err := v.members.ServerMemberIDs(ctx, ch.ServerID)
	if err != nil || !ch.IsPrivate {
		return ids, err
	}
	viewers := ids[:0:0]
	for _, id := range ids {
		ok, err := v.SeesPrivate(ctx, id, ch.ServerID)
		if err != nil {
			return nil, err
		}
		if ok {
			viewers = append(viewers, id)
		}
	}
	return viewers, nil
}

// ChannelAudience resolves the gateway audience of a channel by id.
func (v *Visibility) ChannelAudience(ctx context.Context, channelID string) (string, []string, error) {
	ch, err := v.svc.Lookup(ctx, channelID)
	if err != nil {
		return "", nil, err
	}
	ids, err := v.Viewers(ctx, ch)
	return ch.ServerID, ids, err
}
