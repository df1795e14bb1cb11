package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type handlerFunc func(ctx context.Context, conn Conn, data json.RawMessage) error

// Dispatcher routes decoded client frames to broker and reconciler
// operations through a fixed table keyed by event type.
type Dispatcher struct {
	broker     *Broker
	reconciler *Reconciler
	handlers   map[string]handlerFunc
	logger     *zap.Logger
}

func NewDispatcher(broker *Broker, reconciler *Reconciler, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		broker:     broker,
		reconciler: reconciler,
		logger:     logger.Named("dispatch"),
	}
	d.handlers = map[string]handlerFunc{
		EventJoin:        d.join,
		EventLeave:       d.leave,
		EventSend:        d.send,
		EventEdit:        d.edit,
		EventDelete:      d.delete,
		EventTypingStart: d.typing(true),
		EventTypingStop:  d.typing(false),
		EventStatus:      d.status,
		EventMarkRead:    d.markRead,
	}
	return d
}

// Dispatch handles one frame from conn. Failures are reported to conn as an
// error event and never affect other connections or the connection itself.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		d.broker.SendError(conn, "", validationError("malformed frame"))
		return
	}
	handler, ok := d.handlers[env.Type]
	if !ok {
		d.broker.SendError(conn, env.Type, validationError("unknown event %q", env.Type))
		return
	}
	if err := handler(ctx, conn, env.Data); err != nil {
		if Code(err) == "internal" || Code(err) == "store_unavailable" {
			d.logger.Warn("event failed",
				zap.String("event", env.Type),
				zap.String("conn_id", conn.ID()),
				zap.Error(err),
			)
		}
		d.broker.SendError(conn, env.Type, err)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return validationError("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func requireID(id uuid.UUID, field string) error {
	if id == uuid.Nil {
		return validationError("%s is required", field)
	}
	return nil
}

func (d *Dispatcher) conversationRef(data json.RawMessage) (uuid.UUID, error) {
	var ref ConversationRef
	if err := decode(data, &ref); err != nil {
		return uuid.Nil, err
	}
	return ref.ConversationID, requireID(ref.ConversationID, "conversationId")
}

func (d *Dispatcher) join(ctx context.Context, conn Conn, data json.RawMessage) error {
	id, err := d.conversationRef(data)
	if err != nil {
		return err
	}
	return d.broker.JoinConversation(ctx, conn, id)
}

func (d *Dispatcher) leave(_ context.Context, conn Conn, data json.RawMessage) error {
	id, err := d.conversationRef(data)
	if err != nil {
		return err
	}
	d.broker.LeaveConversation(conn, id)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, conn Conn, data json.RawMessage) error {
	var p SendPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireID(p.ConversationID, "conversationId"); err != nil {
		return err
	}
	_, err := d.broker.Send(ctx, ConnActor(conn), p.ConversationID, p.Content)
	return err
}

func (d *Dispatcher) edit(ctx context.Context, conn Conn, data json.RawMessage) error {
	var p EditPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireID(p.MessageID, "messageId"); err != nil {
		return err
	}
	_, err := d.broker.Edit(ctx, ConnActor(conn), p.MessageID, p.Content)
	return err
}

func (d *Dispatcher) delete(ctx context.Context, conn Conn, data json.RawMessage) error {
	var p MessageRef
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireID(p.MessageID, "messageId"); err != nil {
		return err
	}
	return d.broker.Delete(ctx, ConnActor(conn), p.MessageID)
}

func (d *Dispatcher) typing(isTyping bool) handlerFunc {
	return func(ctx context.Context, conn Conn, data json.RawMessage) error {
		id, err := d.conversationRef(data)
		if err != nil {
			return err
		}
		return d.broker.SetTyping(ctx, ConnActor(conn), id, isTyping)
	}
}

func (d *Dispatcher) status(ctx context.Context, conn Conn, data json.RawMessage) error {
	var p StatusPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := requireID(p.MessageID, "messageId"); err != nil {
		return err
	}
	_, _, err := d.broker.SetStatus(ctx, ConnActor(conn), p.MessageID, p.Status)
	return err
}

func (d *Dispatcher) markRead(ctx context.Context, conn Conn, data json.RawMessage) error {
	id, err := d.conversationRef(data)
	if err != nil {
		return err
	}
	if !d.broker.registry.InRoom(conn.ID(), id) {
		return ErrNotAParticipant
	}
	_, err = d.reconciler.MarkRead(ctx, conn.UserID(), id)
	return err
}
