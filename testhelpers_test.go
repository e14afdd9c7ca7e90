package loom

import (
	"context"
	"sort"
	"sync"
)

// memStore is an in-memory Store for tests. AppendMessage assigns sibling
// sequence numbers the way the SQL stores do.
type memStore struct {
	mu sync.Mutex

	chats    map[string]Chat
	messages map[string]ChatMessage // key chatID/msgID
	streams  map[string]ActiveStreamRow
	agents   map[string]AgentRecord
	models   map[string]ModelRecord
	settings map[string]string
	config   map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		chats:    make(map[string]Chat),
		messages: make(map[string]ChatMessage),
		streams:  make(map[string]ActiveStreamRow),
		agents:   make(map[string]AgentRecord),
		models:   make(map[string]ModelRecord),
		settings: make(map[string]string),
		config:   make(map[string]string),
	}
}

func msgKey(chatID, id string) string { return chatID + "/" + id }

func (s *memStore) CreateChat(_ context.Context, chat Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat
	return nil
}

func (s *memStore) GetChat(_ context.Context, id string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, &NotFoundError{Kind: "chat", ID: id}
	}
	return c, nil
}

func (s *memStore) SetActiveLeaf(_ context.Context, chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return &NotFoundError{Kind: "chat", ID: chatID}
	}
	c.ActiveLeafMessageID = messageID
	s.chats[chatID] = c
	return nil
}

func (s *memStore) UpdateChatModel(_ context.Context, chatID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return &NotFoundError{Kind: "chat", ID: chatID}
	}
	c.Model = model
	s.chats[chatID] = c
	return nil
}

func (s *memStore) AppendMessage(_ context.Context, msg ChatMessage) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := 0
	for _, m := range s.messages {
		if m.ChatID == msg.ChatID && m.ParentMessageID == msg.ParentMessageID && m.Sequence > seq {
			seq = m.Sequence
		}
	}
	msg.Sequence = seq + 1
	s.messages[msgKey(msg.ChatID, msg.ID)] = msg
	return msg, nil
}

func (s *memStore) GetMessage(_ context.Context, chatID, id string) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgKey(chatID, id)]
	if !ok {
		return ChatMessage{}, &NotFoundError{Kind: "message", ID: id}
	}
	return m, nil
}

func (s *memStore) MessageChildren(_ context.Context, chatID, parentID string) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChatMessage
	for _, m := range s.messages {
		if m.ChatID == chatID && m.ParentMessageID == parentID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *memStore) UpdateMessageContent(_ context.Context, chatID, id, content string, isComplete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msgKey(chatID, id)
	m, ok := s.messages[key]
	if !ok {
		return &NotFoundError{Kind: "message", ID: id}
	}
	m.Content = content
	m.IsComplete = isComplete
	s.messages[key] = m
	return nil
}

func (s *memStore) SetMessageManifest(_ context.Context, chatID, id, manifestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msgKey(chatID, id)
	m, ok := s.messages[key]
	if !ok {
		return &NotFoundError{Kind: "message", ID: id}
	}
	m.ManifestID = manifestID
	s.messages[key] = m
	return nil
}

func (s *memStore) UpsertActiveStream(_ context.Context, row ActiveStreamRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[row.ChatID] = row
	return nil
}

func (s *memStore) DeleteActiveStream(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, chatID)
	return nil
}

func (s *memStore) ListActiveStreams(_ context.Context) ([]ActiveStreamRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ActiveStreamRow
	for _, row := range s.streams {
		out = append(out, row)
	}
	return out, nil
}

func (s *memStore) SaveAgent(_ context.Context, rec AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[rec.ID] = rec
	return nil
}

func (s *memStore) GetAgent(_ context.Context, id string) (AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[id]
	if !ok {
		return AgentRecord{}, &NotFoundError{Kind: "agent", ID: id}
	}
	return rec, nil
}

func (s *memStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

func (s *memStore) ListAgents(_ context.Context) ([]AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AgentRecord
	for _, rec := range s.agents {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) GetModel(_ context.Context, id string) (ModelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return ModelRecord{}, &NotFoundError{Kind: "model", ID: id}
	}
	return m, nil
}

func (s *memStore) ListModels(_ context.Context) ([]ModelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ModelRecord
	for _, m := range s.models {
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) GetProviderSetting(_ context.Context, provider, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[provider+"/"+key], nil
}

func (s *memStore) SetProviderSetting(_ context.Context, provider, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[provider+"/"+key] = value
	return nil
}

func (s *memStore) GetConfig(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config[key], nil
}

func (s *memStore) SetConfig(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

var _ Store = (*memStore)(nil)

// flowFunc adapts a function to a single-shot node executor.
type flowFunc struct {
	typ string
	fn  func(ctx context.Context, node Node, inputs map[string]DataValue, fc *FlowContext) (*ExecutionResult, error)
}

func (f *flowFunc) NodeType() string { return f.typ }

func (f *flowFunc) Execute(ctx context.Context, node Node, inputs map[string]DataValue, fc *FlowContext) (*ExecutionResult, error) {
	return f.fn(ctx, node, inputs, fc)
}

// emitConst returns a flowFunc that outputs a fixed value on the default
// handle.
func emitConst(typ string, v DataValue) *flowFunc {
	return &flowFunc{typ: typ, fn: func(context.Context, Node, map[string]DataValue, *FlowContext) (*ExecutionResult, error) {
		return &ExecutionResult{Outputs: map[string]DataValue{DefaultSourceHandle: v}}, nil
	}}
}

// streamFunc adapts a function to a streaming node executor.
type streamFunc struct {
	typ string
	fn  func(ctx context.Context, node Node, inputs map[string]DataValue, fc *FlowContext, ch chan<- NodeEvent) (*ExecutionResult, error)
}

func (f *streamFunc) NodeType() string { return f.typ }

func (f *streamFunc) ExecuteStream(ctx context.Context, node Node, inputs map[string]DataValue, fc *FlowContext, ch chan<- NodeEvent) (*ExecutionResult, error) {
	return f.fn(ctx, node, inputs, fc, ch)
}

// matFunc adapts a function to a link materializer.
type matFunc struct {
	typ string
	fn  func(ctx context.Context, node Node, outputHandle string, fc *FlowContext) (any, error)
}

func (f *matFunc) NodeType() string { return f.typ }

func (f *matFunc) Materialize(ctx context.Context, node Node, outputHandle string, fc *FlowContext) (any, error) {
	return f.fn(ctx, node, outputHandle, fc)
}

// flowEdge builds a flow-channel edge with optional handles.
func flowEdge(id, source, sourceHandle, target, targetHandle string) Edge {
	return Edge{
		ID: id, Source: source, SourceHandle: sourceHandle,
		Target: target, TargetHandle: targetHandle,
		Data: map[string]any{"channel": string(ChannelFlow)},
	}
}

// linkEdge builds a link-channel edge with optional handles.
func linkEdge(id, source, sourceHandle, target, targetHandle string) Edge {
	return Edge{
		ID: id, Source: source, SourceHandle: sourceHandle,
		Target: target, TargetHandle: targetHandle,
		Data: map[string]any{"channel": string(ChannelLink)},
	}
}

// drainEvents collects every event from ch without blocking the sender.
func drainEvents(ch chan NodeEvent) []NodeEvent {
	var out []NodeEvent
	for len(ch) > 0 {
		out = append(out, <-ch)
	}
	return out
}

// eventNames projects the event names in delivery order.
func eventNames(events []NodeEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name
	}
	return names
}
