package channel

import (
	"context"
	"fmt"
	"log/slog"
)

// handleEvent runs the inbound pipeline for one raw event. Dedup, ack,
// liveness bookkeeping and mention gating happen on the caller's goroutine,
// which is often the transport's read loop; normalization may download
// media and runs on its own goroutine.
func (s *Supervisor) handleEvent(ctx context.Context, sess *session, ev RawInboundEvent) {
	platform := s.transport.Type()
	if !s.dedup.ShouldProcess(ev.MessageID) {
		s.observer.InboundEvent(platform, InboundDuplicate)
		return
	}
	if ev.Ack != nil {
		if err := ev.Ack(); err != nil {
			s.logger.Warn("inbound ack failed", slog.String("message_id", ev.MessageID), slog.Any("error", err))
		}
	}
	s.post(ctx, command{kind: cmdInbound, gen: sess.gen, at: s.opts.Now()})

	if ev.ChatType == ChatTypeGroup && s.policy.RequireMention && !ev.Mentioned {
		s.observer.InboundEvent(platform, InboundUnmentioned)
		return
	}
	go s.processInbound(s.baseCtx, sess, ev)
}

func (s *Supervisor) processInbound(ctx context.Context, sess *session, ev RawInboundEvent) {
	platform := s.transport.Type()
	selfID := ""
	if conn := sess.connection(); conn != nil {
		selfID = conn.SelfID()
	}
	downloader, _ := s.transport.(MediaDownloader)
	normalizer := Normalizer{
		Platform:   platform,
		Config:     sess.cfg,
		Downloader: downloader,
		Logger:     s.logger,
		Timeout:    s.opts.DownloadTimeout,
	}
	msg, ok := normalizer.Normalize(ctx, selfID, ev)
	if !ok {
		s.observer.InboundEvent(platform, InboundDropped)
		return
	}

	target := ev.Target
	if target.Platform == "" {
		target.Platform = platform
	}
	if target.ConversationID == "" {
		target.ConversationID = ev.ConversationID
	}
	if target.ReplyTo == "" {
		target.ReplyTo = ev.MessageID
	}
	s.sink.Record(ctx, target)
	s.observer.InboundEvent(platform, InboundProcessed)
	if sess.cfg.Debug {
		s.logger.Debug("inbound message",
			slog.String("message_id", msg.MessageID),
			slog.String("conversation_id", msg.ConversationID),
			slog.String("chat_type", string(msg.ChatType)),
			slog.Int("attachments", len(msg.Attachments)),
		)
	}
	s.events.emit(Event{Type: EventMessage, ChannelType: platform, At: s.opts.Now(), Message: &msg})

	handler := s.messageHandler()
	if handler == nil {
		return
	}
	go s.dispatch(handler, sess.cfg, msg, target)
}

// dispatch calls the host handler and reports its failure to the conversation.
func (s *Supervisor) dispatch(handler MessageHandler, cfg ChannelConfig, msg Message, target Target) {
	ctx := s.baseCtx
	reply := func(ctx context.Context, text string) error {
		return s.SendReply(ctx, target, text)
	}
	if notifier, ok := s.transport.(ProcessingNotifier); ok {
		done, err := notifier.ProcessingStarted(ctx, cfg, target)
		if err != nil {
			s.logger.Debug("processing indicator failed", slog.Any("error", err))
		}
		if done != nil {
			defer done()
		}
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("message handler panic: %v", r)
			}
		}()
		return handler(ctx, msg, reply)
	}()
	if err == nil {
		return
	}
	s.logger.Error("message handler failed",
		slog.String("message_id", msg.MessageID),
		slog.Any("error", err),
	)
	if replyErr := reply(ctx, "Error: "+replyText(err)); replyErr != nil {
		s.logger.Warn("error reply failed", slog.Any("error", replyErr))
	}
}
