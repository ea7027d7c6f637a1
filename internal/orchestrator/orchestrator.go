// Package orchestrator is the single owner of the chat session's view state:
// the conversation list, the selected conversation and its merged timeline.
// It reconciles REST history with live transport events.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"medchat/internal/chat"
	"medchat/internal/chatapi"
	"medchat/internal/status"
	"medchat/internal/transport"
)

const seenLimit = 1024

type DataService interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	GetHistory(ctx context.Context, conversationID string, opts ...chatapi.PageOption) ([]chat.Message, error)
	SubmitMessage(ctx context.Context, sub chat.Submission) (chat.Message, error)
}

type Transport interface {
	Send(frame chat.OutboundFrame) error
	Events() <-chan transport.Event
	Status() transport.Snapshot
}

type Options struct {
	// Role is the local party; it is stamped on every outbound message.
	Role   chat.Role
	SelfID string
	Logger zerolog.Logger
}

// State is a copy of the view state, safe to hold onto.
type State struct {
	Conversations  []chat.Conversation
	Active         *chat.Conversation
	Timeline       []chat.Message
	LoadingList    bool
	LoadingHistory bool
	Error          string
	Connection     status.State
}

type Orchestrator struct {
	data   DataService
	tr     Transport
	role   chat.Role
	selfID string
	logger zerolog.Logger
	now    func() time.Time

	mu             sync.Mutex
	conversations  []chat.Conversation
	active         *chat.Conversation
	timeline       []chat.Message
	generation     uint64
	loadingList    bool
	loadingHistory bool
	errMsg         string
	conn           status.State

	// correlation ids already counted as unread, oldest first
	seen    map[string]struct{}
	seenLog []string

	changes chan struct{}
}

func New(data DataService, tr Transport, opts Options) *Orchestrator {
	role := opts.Role
	if !role.Valid() {
		role = chat.RolePatient
	}
	return &Orchestrator{
		data:    data,
		tr:      tr,
		role:    role,
		selfID:  opts.SelfID,
		logger:  opts.Logger.With().Str("component", "orchestrator").Logger(),
		now:     time.Now,
		conn:    status.Derive(status.FromSnapshot(tr.Status())),
		seen:    make(map[string]struct{}),
		changes: make(chan struct{}, 1),
	}
}

// Changes fires after every state change. Notifications coalesce; readers
// should call State after each one.
func (o *Orchestrator) Changes() <-chan struct{} {
	return o.changes
}

func (o *Orchestrator) notify() {
	select {
	case o.changes <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := State{
		Conversations:  append([]chat.Conversation(nil), o.conversations...),
		Timeline:       append([]chat.Message(nil), o.timeline...),
		LoadingList:    o.loadingList,
		LoadingHistory: o.loadingHistory,
		Error:          o.errMsg,
		Connection:     o.conn,
	}
	if o.active != nil {
		active := *o.active
		if i := o.indexOf(active.ID); i >= 0 {
			active = o.conversations[i]
		}
		s.Active = &active
	}
	return s
}

// LoadConversations refreshes the list. On failure the previous list stays.
func (o *Orchestrator) LoadConversations(ctx context.Context) error {
	o.mu.Lock()
	o.loadingList = true
	o.errMsg = ""
	o.mu.Unlock()
	o.notify()

	convs, err := o.data.ListConversations(ctx)

	o.mu.Lock()
	o.loadingList = false
	if err != nil {
		o.errMsg = describe(err)
		o.mu.Unlock()
		o.notify()
		o.logger.Warn().Err(err).Msg("loading conversations failed")
		return err
	}
	o.conversations = convs
	if o.active != nil {
		if i := o.indexOf(o.active.ID); i >= 0 {
			o.conversations[i].UnreadCount = 0
		}
	}
	o.mu.Unlock()
	o.notify()
	return nil
}

// SelectConversation makes conv the active conversation and replaces the
// timeline with its history. A history response that arrives after a newer
// selection is discarded.
func (o *Orchestrator) SelectConversation(ctx context.Context, conv chat.Conversation) error {
	o.mu.Lock()
	o.generation++
	gen := o.generation
	selected := conv
	o.active = &selected
	o.timeline = nil
	o.loadingHistory = true
	o.errMsg = ""
	if i := o.indexOf(conv.ID); i >= 0 {
		o.conversations[i].UnreadCount = 0
	}
	o.mu.Unlock()
	o.notify()

	history, err := o.data.GetHistory(ctx, conv.ID)

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		o.logger.Debug().Str("conversation", conv.ID).Msg("discarding superseded history response")
		return nil
	}
	o.loadingHistory = false
	if err != nil {
		o.errMsg = describe(err)
		o.mu.Unlock()
		o.notify()
		o.logger.Warn().Err(err).Str("conversation", conv.ID).Msg("loading history failed")
		return err
	}

	// Live messages and sends that landed during the fetch are kept.
	merged := make([]chat.Message, 0, len(history)+len(o.timeline))
	for _, m := range history {
		merged = merge(merged, m)
	}
	for _, m := range o.timeline {
		merged = merge(merged, m)
	}
	o.timeline = merged
	o.mu.Unlock()
	o.notify()
	return nil
}

// Send appends an optimistic entry, pushes it over the transport and then
// writes it durably. The two deliveries are independent: a transport failure
// only shows up on the event stream, a failed write flags the entry as failed
// and leaves it in place.
func (o *Orchestrator) Send(ctx context.Context, content string) error {
	o.mu.Lock()
	if o.active == nil || strings.TrimSpace(content) == "" {
		o.mu.Unlock()
		return nil
	}
	convID := o.active.ID
	optimistic := chat.Message{
		ID:             chat.NewPlaceholderID(),
		ConversationID: convID,
		SenderID:       o.selfID,
		SenderRole:     o.role,
		Content:        content,
		Timestamp:      o.now().UTC(),
		CorrelationID:  chat.NewCorrelationID(),
		Pending:        true,
	}
	o.timeline = merge(o.timeline, optimistic)
	o.touch(optimistic)
	o.mu.Unlock()
	o.notify()

	// Errors surface through the transport's event stream.
	_ = o.tr.Send(chat.OutboundFrame{
		ConversationID: convID,
		Content:        content,
		SenderType:     o.role,
		CorrelationID:  optimistic.CorrelationID,
	})

	confirmed, err := o.data.SubmitMessage(ctx, chat.Submission{
		ConversationID: convID,
		Content:        content,
		SenderRole:     o.role,
		CorrelationID:  optimistic.CorrelationID,
	})

	o.mu.Lock()
	if err != nil {
		for i := range o.timeline {
			if o.timeline[i].ID == optimistic.ID {
				o.timeline[i].Pending = false
				o.timeline[i].Failed = true
			}
		}
		o.errMsg = describe(err)
		o.mu.Unlock()
		o.notify()
		o.logger.Warn().Err(err).Str("conversation", convID).Msg("message not delivered")
		return err
	}

	confirmed.Pending = false
	if o.active != nil && o.active.ID == convID {
		o.timeline = merge(o.timeline, confirmed)
	}
	o.touch(confirmed)
	o.mu.Unlock()
	o.notify()
	return nil
}

// HandleEvent applies one transport event to the view state.
func (o *Orchestrator) HandleEvent(ev transport.Event) {
	if ev.Kind == transport.EventMessage {
		o.handleFrame(ev.Frame)
		return
	}

	in := status.FromSnapshot(o.tr.Status())
	if ev.Kind == transport.EventError && in.Err == nil {
		in.Err = ev.Err
	}

	o.mu.Lock()
	o.conn = status.Derive(in)
	if ev.Kind == transport.EventError && ev.Err != nil {
		o.errMsg = describe(ev.Err)
	}
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) handleFrame(frame []byte) {
	msg, err := chat.DecodeMessage(frame, o.now())
	if err != nil {
		o.logger.Warn().Err(err).Msg("dropping inbound frame")
		return
	}
	if msg.ConversationID == "" {
		o.logger.Warn().Str("content", msg.Content).Msg("dropping inbound frame without conversation id")
		return
	}

	o.mu.Lock()
	isActive := o.active != nil && o.active.ID == msg.ConversationID
	if isActive {
		o.timeline = merge(o.timeline, msg)
	}

	o.touch(msg)
	if !isActive && o.fromCounterpart(msg) && o.firstSighting(msg) {
		if i := o.indexOf(msg.ConversationID); i >= 0 {
			o.conversations[i].UnreadCount++
		}
	}
	o.mu.Unlock()
	o.notify()
}

// Run feeds transport events into the state until ctx is done or the stream
// closes.
func (o *Orchestrator) Run(ctx context.Context) error {
	events := o.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.HandleEvent(ev)
		}
	}
}

// touch updates the list preview for msg's conversation, adding the
// conversation if the list does not know it yet. Callers hold o.mu.
func (o *Orchestrator) touch(msg chat.Message) {
	i := o.indexOf(msg.ConversationID)
	if i < 0 {
		o.conversations = append([]chat.Conversation{{ID: msg.ConversationID, Active: true}}, o.conversations...)
		i = 0
	}
	c := &o.conversations[i]
	if msg.Timestamp.Before(c.LastMessageAt) {
		return
	}
	c.LastMessage = msg.Content
	c.LastMessageAt = msg.Timestamp
}

func (o *Orchestrator) indexOf(id string) int {
	for i := range o.conversations {
		if o.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) fromCounterpart(msg chat.Message) bool {
	if msg.SenderRole != "" {
		return msg.SenderRole != o.role
	}
	if msg.SenderID != "" && o.selfID != "" {
		return msg.SenderID != o.selfID
	}
	return true
}

// firstSighting reports whether msg has not been counted before. A relayed
// frame and the persisted copy of the same message share a correlation id.
func (o *Orchestrator) firstSighting(msg chat.Message) bool {
	key := msg.CorrelationID
	if key == "" {
		if chat.IsPlaceholderID(msg.ID) {
			return true
		}
		key = "id:" + msg.ID
	}
	if _, ok := o.seen[key]; ok {
		return false
	}
	o.seen[key] = struct{}{}
	o.seenLog = append(o.seenLog, key)
	if len(o.seenLog) > seenLimit {
		delete(o.seen, o.seenLog[0])
		o.seenLog = o.seenLog[1:]
	}
	return true
}

// merge adds m to the timeline, collapsing it into an existing rendition of
// the same message.
func merge(timeline []chat.Message, m chat.Message) []chat.Message {
	for i := range timeline {
		if !chat.SameMessage(timeline[i], m) {
			continue
		}
		preferred := chat.Prefer(timeline[i], m)
		if preferred.Timestamp.Equal(timeline[i].Timestamp) {
			timeline[i] = preferred
			return timeline
		}
		timeline = append(timeline[:i], timeline[i+1:]...)
		return chat.InsertOrdered(timeline, preferred)
	}
	return chat.InsertOrdered(timeline, m)
}

// describe turns an error into the one-line message shown to the user.
func describe(err error) string {
	var (
		fe *chat.FetchError
		se *chat.SubmitError
	)
	switch {
	case errors.Is(err, chat.ErrAuthMissing):
		return "You are signed out. Please log in again."
	case errors.Is(err, chat.ErrReconnectExhausted):
		return "Lost connection to chat. Reconnect to continue."
	case errors.Is(err, chat.ErrNotConnected):
		return "Not connected to chat."
	case errors.As(err, &se) && se.Err != nil:
		return "Message not sent: " + se.Err.Error()
	case errors.As(err, &fe) && fe.Err != nil:
		return "Could not " + fe.Op + ": " + fe.Err.Error()
	}
	return err.Error()
}
