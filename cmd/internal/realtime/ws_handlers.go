package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"zerochat/cmd/internal/conversation"
	"zerochat/cmd/internal/fanout"
	"zerochat/cmd/internal/signaling"
	v1 "zerochat/shared/contracts/realtime/v1"
)

// Wire error codes.
const (
	codeBadJSON             = "bad_json"
	codeBadEnvelope         = "bad_envelope"
	codeBadPayload          = "bad_payload"
	codeHelloRequired       = "hello_required"
	codeHelloFailed         = "hello_failed"
	codeRateLimited         = "rate_limited"
	codeUnsupported         = "unsupported"
	codeInvalidConversation = "invalid_conversation"
	codeBlocked             = "blocked"
	codeInvalidMessage      = "invalid_message"
	codeForbidden           = "forbidden"
	codeStorage             = "storage_error"
	codePeerOffline         = "peer_offline"
	codeBusy                = "busy"
	codeCallNotFound        = "call_not_found"
	codeInvalidTransition   = "invalid_transition"
	codeInternal            = "internal"
)

// badPayload marks a client payload the gateway refuses before calling the core.
type badPayload struct{ msg string }

func (e badPayload) Error() string { return e.msg }

var errUnsupported = errors.New("unsupported type")

func invalidPayload(format string, args ...any) error {
	return badPayload{msg: fmt.Sprintf(format, args...)}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return invalidPayload("missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return invalidPayload("invalid payload: %v", err)
	}
	return nil
}

func parseKind(s string) (conversation.Kind, error) {
	k, ok := conversation.ParseKind(s)
	if !ok {
		return "", invalidPayload("invalid kind: %q", s)
	}
	return k, nil
}

// errorCode maps core errors onto stable wire codes. Storage and internal
// failures get a generic message.
func errorCode(err error) (string, string) {
	var bp badPayload
	switch {
	case errors.As(err, &bp):
		return codeBadPayload, bp.msg
	case errors.Is(err, errUnsupported):
		return codeUnsupported, err.Error()
	case errors.Is(err, fanout.ErrInvalidConversation):
		return codeInvalidConversation, "invalid conversation"
	case errors.Is(err, fanout.ErrBlocked):
		return codeBlocked, "contact blocked"
	case errors.Is(err, fanout.ErrEmptyMessage):
		return codeInvalidMessage, "empty text"
	case errors.Is(err, fanout.ErrMessageTooLong):
		return codeInvalidMessage, fmt.Sprintf("message too long: max=%d chars", fanout.MaxMessageChars)
	case errors.Is(err, fanout.ErrInvalidInput),
		errors.Is(err, signaling.ErrSelfCall),
		errors.Is(err, signaling.ErrInvalidCallType):
		return codeBadPayload, err.Error()
	case errors.Is(err, fanout.ErrForbidden), errors.Is(err, signaling.ErrNotParticipant):
		return codeForbidden, "forbidden"
	case errors.Is(err, fanout.ErrStorage):
		return codeStorage, "temporarily unavailable"
	case errors.Is(err, signaling.ErrPeerOffline):
		return codePeerOffline, "peer offline"
	case errors.Is(err, signaling.ErrBusy):
		return codeBusy, "peer busy"
	case errors.Is(err, signaling.ErrCallNotFound):
		return codeCallNotFound, "call not found"
	case errors.Is(err, signaling.ErrInvalidTransition):
		return codeInvalidTransition, "invalid transition"
	default:
		return codeInternal, "internal error"
	}
}

func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeMessageSend:
		return g.onMessageSend(ctx, client, env)
	case v1.TypeConversationView:
		return g.onConversationView(client, env)
	case v1.TypeUnreadReset:
		return g.onUnreadReset(ctx, client, env)
	case v1.TypeConversationHistoryFetch:
		return g.onHistoryFetch(ctx, client, env)
	case v1.TypePresenceQuery:
		return g.onPresenceQuery(client, env)
	case v1.TypeContactAdd:
		return g.onContactAdd(ctx, client, env)
	case v1.TypeContactBlock:
		return g.onContactBlock(ctx, client, env)
	case v1.TypeGroupCreate:
		return g.onGroupCreate(ctx, client, env)
	case v1.TypeGroupMemberAdd:
		return g.onGroupMemberAdd(ctx, client, env)
	case v1.TypeCallRequest:
		return g.onCallRequest(ctx, client, env)
	case v1.TypeCallRespond:
		return g.onCallRespond(ctx, client, env)
	case v1.TypeCallSignal:
		return g.onCallSignal(ctx, client, env)
	case v1.TypeCallEnd:
		return g.onCallEnd(ctx, client, env)
	default:
		return fmt.Errorf("%w: %s", errUnsupported, env.Type)
	}
}

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	if len(env.Payload) > 0 {
		var p v1.HelloPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	sess, err := g.core.Connect(ctx, client)
	if err != nil {
		return err
	}
	if err := g.reply(client, v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: client.SessionID(),
		UserID:    client.UserID(),
		Rooms:     sess.Rooms,
	}); err != nil {
		g.core.Disconnect(client)
		return err
	}
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return invalidPayload("missing client_msg_id")
	}
	kind, err := parseKind(p.Kind)
	if err != nil {
		return err
	}

	res, err := g.core.Submit(ctx, fanout.SubmitInput{
		SenderID:       client.UserID(),
		SenderSession:  client.SessionID(),
		ConversationID: p.ConversationID,
		Kind:           kind,
		Body:           p.Text,
		ClientMsgID:    p.ClientMsgID,
	})
	if err != nil {
		return err
	}

	return g.reply(client, v1.TypeMessageAck, v1.MessageAckPayload{
		ConversationID: p.ConversationID,
		Kind:           string(kind),
		ClientMsgID:    p.ClientMsgID,
		ServerMsgID:    res.Message.ID,
		ServerTS:       res.Message.PostedAt,
	})
}

func (g *WSGateway) onConversationView(client *Client, env v1.Envelope) error {
	var p v1.ConversationViewPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	g.reg.SetViewing(client.SessionID(), strings.TrimSpace(p.ConversationID))
	return nil
}

func (g *WSGateway) onUnreadReset(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.UnreadResetPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	kind, err := parseKind(p.Kind)
	if err != nil {
		return err
	}
	// Every session of the user, this one included, receives the new value.
	_, err = g.core.ResetUnread(ctx, client.UserID(), p.ConversationID, kind, "")
	return err
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ConversationHistoryFetchPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	kind, err := parseKind(p.Kind)
	if err != nil {
		return err
	}

	page, err := g.core.History(ctx, fanout.HistoryInput{
		UserID:         client.UserID(),
		ConversationID: p.ConversationID,
		Kind:           kind,
		Before:         p.Before,
		Limit:          p.Limit,
	})
	if err != nil {
		return err
	}

	msgs := make([]v1.MessageNewPayload, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, fanout.MessagePayload(m, p.ConversationID, 0))
	}
	return g.reply(client, v1.TypeConversationHistoryChunk, v1.ConversationHistoryChunkPayload{
		ConversationID: p.ConversationID,
		Kind:           string(kind),
		Messages:       msgs,
		HasMore:        page.HasMore,
	})
}

func (g *WSGateway) onPresenceQuery(client *Client, env v1.Envelope) error {
	var p v1.PresenceQueryPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if len(p.UserIDs) > maxPresenceQuery {
		return invalidPayload("too many user_ids: max=%d", maxPresenceQuery)
	}
	online := g.core.Online(p.UserIDs)
	if online == nil {
		online = []string{}
	}
	return g.reply(client, v1.TypePresenceState, v1.PresenceStatePayload{Online: online})
}

func (g *WSGateway) onContactAdd(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ContactAddPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	res, err := g.core.AddContact(ctx, client.UserID(), p.PeerID, client.SessionID())
	if err != nil {
		return err
	}
	return g.reply(client, v1.TypeContactAddAck, v1.ContactAddAckPayload{Room: res.Room, PeerOnline: res.PeerOnline})
}

func (g *WSGateway) onContactBlock(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ContactBlockPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	// The updated room reaches every session, this one included, as a membership push.
	_, err := g.core.SetBlocked(ctx, client.UserID(), p.ContactID, p.Blocked)
	return err
}

func (g *WSGateway) onGroupCreate(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.GroupCreatePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if len(p.MemberIDs) > maxGroupMembers {
		return invalidPayload("too many member_ids: max=%d", maxGroupMembers)
	}
	room, err := g.core.CreateGroup(ctx, fanout.GroupInput{
		CreatorID:   client.UserID(),
		Name:        p.Name,
		Description: p.Description,
		Image:       p.Image,
		MemberIDs:   p.MemberIDs,
	}, client.SessionID())
	if err != nil {
		return err
	}
	return g.reply(client, v1.TypeGroupCreateAck, v1.GroupCreateAckPayload{Room: room})
}

func (g *WSGateway) onGroupMemberAdd(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.GroupMemberAddPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	_, err := g.core.AddGroupMember(ctx, client.UserID(), p.GroupID, p.UserID)
	return err
}

func (g *WSGateway) onCallRequest(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.CallRequestPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	call, err := g.relay.Request(ctx, signaling.RequestInput{
		CallerID: client.UserID(),
		CalleeID: p.CalleeID,
		Type:     p.CallType,
		Signal:   p.Signal,
	})
	if err != nil {
		return err
	}
	return g.callAck(client, call, v1.CallActionRequest)
}

func (g *WSGateway) onCallRespond(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.CallRespondPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	call, err := g.relay.Respond(ctx, signaling.RespondInput{
		CallID: p.CallID,
		UserID: client.UserID(),
		Accept: p.Accept,
		Signal: p.Signal,
	})
	if err != nil {
		return err
	}
	action := v1.CallActionReject
	if p.Accept {
		action = v1.CallActionAccept
	}
	return g.callAck(client, call, action)
}

func (g *WSGateway) onCallSignal(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.CallSignalPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if len(p.Signal) == 0 {
		return invalidPayload("missing signal")
	}
	_, err := g.relay.Signal(ctx, signaling.SignalInput{CallID: p.CallID, UserID: client.UserID(), Signal: p.Signal})
	return err
}

func (g *WSGateway) onCallEnd(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.CallEndPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	call, err := g.relay.End(ctx, signaling.EndInput{CallID: p.CallID, UserID: client.UserID()})
	if err != nil {
		return err
	}
	return g.callAck(client, call, v1.CallActionFinish)
}

func (g *WSGateway) callAck(client *Client, call signaling.Call, action string) error {
	return g.reply(client, v1.TypeCallAck, v1.CallPayload{
		CallID:   call.ID,
		Action:   action,
		State:    string(call.State),
		CallerID: call.CallerID,
		CalleeID: call.CalleeID,
		CallType: string(call.Type),
		From:     client.UserID(),
	})
}
