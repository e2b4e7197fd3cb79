package ruleflow

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/approval"
	"github.com/ccbhj/ruleflow/execution"
	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/rule"
)

// Subjects used when none are configured.
const (
	DefaultTriggerSubject  = "ruleflow.trigger"
	DefaultApprovalSubject = "ruleflow.approval"
	DefaultCancelSubject   = "ruleflow.cancel"
)

type (
	// TriggerMessage is the body of a trigger published over NATS.
	TriggerMessage struct {
		RuleID  string                 `json:"rule_id"`
		Payload map[string]interface{} `json:"payload"`
		Actor   rule.Identity          `json:"actor"`
	}

	// DecisionMessage records one approver's decision on a paused execution.
	DecisionMessage struct {
		ExecutionID string            `json:"execution_id"`
		ApproverID  string            `json:"approver_id"`
		Decision    approval.Decision `json:"decision"`
		Notes       string            `json:"notes,omitempty"`
	}

	CancelMessage struct {
		ExecutionID string `json:"execution_id"`
	}

	// Reply answers request-style messages.
	Reply struct {
		ExecutionID string           `json:"execution_id,omitempty"`
		Status      execution.Status `json:"status,omitempty"`
		Error       string           `json:"error,omitempty"`
		Kind        fault.Kind       `json:"kind,omitempty"`
	}

	// NATSTriggerSource passes trigger messages from a NATS subject to Fire.
	//
	// The actor is taken from the message as sent, so the subject must only
	// accept publishers that are trusted to assert user ids and roles.
	NATSTriggerSource struct {
		engine  *Engine
		conn    *nats.Conn
		subject string
		logger  *zap.Logger
		sub     *nats.Subscription
	}

	// NATSControlSource passes approval decisions and cancellations from NATS
	// to Resolve and Cancel.
	//
	// Approver ids are taken from the message as sent, so both subjects must
	// only accept publishers that are trusted to assert them.
	NATSControlSource struct {
		engine          *Engine
		conn            *nats.Conn
		approvalSubject string
		cancelSubject   string
		logger          *zap.Logger
		subs            []*nats.Subscription
	}
)

func NewNATSTriggerSource(e *Engine, conn *nats.Conn, subject string) *NATSTriggerSource {
	if subject == "" {
		subject = DefaultTriggerSubject
	}
	return &NATSTriggerSource{
		engine:  e,
		conn:    conn,
		subject: subject,
		logger:  e.logger.Named("nats"),
	}
}

// Start subscribes to the trigger subject. Messages sent with a reply
// subject get a Reply.
func (s *NATSTriggerSource) Start(ctx context.Context) error {
	sub, err := subscribe(ctx, s.conn, s.subject, s.logger, s.dispatch)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for triggers", zap.String("subject", s.subject))
	return nil
}

func (s *NATSTriggerSource) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *NATSTriggerSource) dispatch(ctx context.Context, data []byte) Reply {
	var msg TriggerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed trigger message", zap.Error(err))
		return Reply{Error: err.Error(), Kind: fault.KindValidation}
	}
	if msg.RuleID == "" {
		return Reply{Error: "rule_id is required", Kind: fault.KindValidation}
	}
	// A message cannot claim the system identity.
	msg.Actor.System = false
	id, err := s.engine.Fire(ctx, msg.RuleID, msg.Payload, msg.Actor)
	if err != nil {
		s.logger.Warn("trigger rejected",
			zap.String("rule_id", msg.RuleID),
			zap.String("actor", msg.Actor.UserID),
			zap.Error(err))
		return errorReply(err)
	}
	return Reply{ExecutionID: id, Status: execution.Pending}
}

func NewNATSControlSource(e *Engine, conn *nats.Conn, approvalSubject, cancelSubject string) *NATSControlSource {
	if approvalSubject == "" {
		approvalSubject = DefaultApprovalSubject
	}
	if cancelSubject == "" {
		cancelSubject = DefaultCancelSubject
	}
	return &NATSControlSource{
		engine:          e,
		conn:            conn,
		approvalSubject: approvalSubject,
		cancelSubject:   cancelSubject,
		logger:          e.logger.Named("nats"),
	}
}

// Start subscribes to the approval and cancel subjects.
func (s *NATSControlSource) Start(ctx context.Context) error {
	for subject, handle := range map[string]func(context.Context, []byte) Reply{
		s.approvalSubject: s.decide,
		s.cancelSubject:   s.cancel,
	} {
		sub, err := subscribe(ctx, s.conn, subject, s.logger, handle)
		if err != nil {
			s.Stop() //nolint:errcheck
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("listening for approvals and cancellations",
		zap.String("approval_subject", s.approvalSubject),
		zap.String("cancel_subject", s.cancelSubject))
	return nil
}

func (s *NATSControlSource) Stop() error {
	var first error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	s.subs = nil
	return first
}

func (s *NATSControlSource) decide(ctx context.Context, data []byte) Reply {
	var msg DecisionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed decision message", zap.Error(err))
		return Reply{Error: err.Error(), Kind: fault.KindValidation}
	}
	if msg.ExecutionID == "" {
		return Reply{Error: "execution_id is required", Kind: fault.KindValidation}
	}
	if err := s.engine.Resolve(ctx, msg.ExecutionID, msg.ApproverID, msg.Decision, msg.Notes); err != nil {
		s.logger.Warn("decision rejected",
			zap.String("execution_id", msg.ExecutionID),
			zap.String("approver", msg.ApproverID),
			zap.Error(err))
		reply := errorReply(err)
		reply.ExecutionID = msg.ExecutionID
		return reply
	}
	reply := Reply{ExecutionID: msg.ExecutionID}
	if ex, err := s.engine.Execution(ctx, msg.ExecutionID); err == nil {
		reply.Status = ex.Status
	}
	return reply
}

func (s *NATSControlSource) cancel(ctx context.Context, data []byte) Reply {
	var msg CancelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed cancel message", zap.Error(err))
		return Reply{Error: err.Error(), Kind: fault.KindValidation}
	}
	if msg.ExecutionID == "" {
		return Reply{Error: "execution_id is required", Kind: fault.KindValidation}
	}
	ex, err := s.engine.Cancel(ctx, msg.ExecutionID)
	if err != nil {
		s.logger.Warn("cancel rejected", zap.String("execution_id", msg.ExecutionID), zap.Error(err))
		reply := errorReply(err)
		reply.ExecutionID = msg.ExecutionID
		return reply
	}
	return Reply{ExecutionID: ex.ID, Status: ex.Status}
}

// subscribe runs handle for every message on subject and answers messages
// that carry a reply subject.
func subscribe(ctx context.Context, conn *nats.Conn, subject string, logger *zap.Logger,
	handle func(context.Context, []byte) Reply) (*nats.Subscription, error) {
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := handle(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			logger.Error("marshal reply", zap.String("subject", subject), zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("respond", zap.String("subject", subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", subject)
	}
	return sub, nil
}

func errorReply(err error) Reply {
	return Reply{Error: fault.Message(err), Kind: fault.KindOf(err)}
}
