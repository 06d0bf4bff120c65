package wsserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jemulator/syncd/internal/broadcast"
	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/protocol"
)

// handleFrame routes one inbound frame. Every failure here is answered on
// the same socket; none of them closes it.
func (s *Server) handleFrame(ctx context.Context, c *client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.replyError(c, "", err.Error())
		return
	}

	logging.Debugf(s.logger, "%s -> %s", c.id, msg.Type)

	switch msg.Type {
	case protocol.TypeRegister:
		s.handleRegister(ctx, c, msg)
	case protocol.TypeDBOperation:
		s.handleOperation(ctx, c, msg)
	case protocol.TypeGetClients:
		s.reply(c, protocol.TypeClientList, protocol.ClientListPayload{Clients: s.broadcaster.ClientList()}, msg.RequestID)
	case protocol.TypePing:
		s.reply(c, protocol.TypePong, protocol.PongPayload{Timestamp: protocol.Now()}, msg.RequestID)
	default:
		s.replyError(c, msg.RequestID, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *Server) handleRegister(ctx context.Context, c *client, msg protocol.Message) {
	var req protocol.RegisterRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.replyError(c, msg.RequestID, fmt.Sprintf("invalid register payload: %v", err))
			return
		}
	}

	if err := s.registry.DeclareType(c.id, req.AppType); err != nil {
		s.replyError(c, msg.RequestID, err.Error())
		return
	}

	appType := req.AppType
	if sess, ok := s.registry.Get(c.id); ok {
		appType = sess.ClientType
	}
	s.logger.Printf("Client %s registered as %s", c.id, appType)

	s.reply(c, protocol.TypeRegister, protocol.RegisterReply{
		Status:   "registered",
		ClientID: c.id,
		AppType:  appType,
	}, msg.RequestID)

	s.broadcaster.NotifyClientList(ctx, c.id)
}

// handleOperation answers with db:result first, then announces a successful
// mutation to every other session.
func (s *Server) handleOperation(ctx context.Context, c *client, msg protocol.Message) {
	var resp dispatch.Response
	op, err := dispatch.ParseOperation(msg.Payload)
	if err != nil {
		resp = dispatch.Failure(op.CorrelationID, err)
	} else {
		resp = s.dispatcher.Execute(ctx, op)
	}

	s.reply(c, protocol.TypeDBResult, resp, msg.RequestID)

	if err == nil && resp.Success && op.Kind.Mutating() {
		s.broadcaster.NotifyChange(ctx, broadcast.ChangeNotification{
			Operation:       op,
			RawOperation:    msg.Payload,
			Result:          resp.Data,
			OriginSessionID: c.id,
		})
	}
}

// reply writes one frame to c. A client that went away is not an error
// worth more than a debug line.
func (s *Server) reply(c *client, typ protocol.MessageType, payload any, requestID string) {
	data, err := protocol.Encode(typ, payload, requestID)
	if err != nil {
		s.logger.Printf("Failed to encode %s for %s: %v", typ, c.id, err)
		return
	}
	if err := c.Send(s.ctx, data); err != nil {
		logging.Debugf(s.logger, "Failed to send %s to %s: %v", typ, c.id, err)
	}
}

func (s *Server) replyError(c *client, requestID, message string) {
	s.reply(c, protocol.TypeError, protocol.ErrorPayload{Message: message}, requestID)
}

// sendConnection greets a new client. The caller holds c.writeMu.
func (s *Server) sendConnection(c *client) error {
	data, err := protocol.Encode(protocol.TypeConnection, protocol.ConnectionPayload{
		ClientID:  c.id,
		Timestamp: protocol.Now(),
	}, "")
	if err != nil {
		return err
	}
	return c.write(s.ctx, data)
}
