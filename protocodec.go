package replica

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// ProtoRegistry maps message kinds to protobuf message types so
// applications can send typed events over any channel.
type ProtoRegistry struct {
	mu     sync.RWMutex
	byKind map[uint16]protoreflect.MessageType
	byName map[protoreflect.FullName]uint16
}

func NewProtoRegistry() *ProtoRegistry {
	return &ProtoRegistry{
		byKind: make(map[uint16]protoreflect.MessageType),
		byName: make(map[protoreflect.FullName]uint16),
	}
}

// Register binds kind to the type of m.
func (r *ProtoRegistry) Register(kind uint16, m proto.Message) error {
	mt := m.ProtoReflect().Type()
	name := mt.Descriptor().FullName()
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byKind[kind]; ok {
		return fmt.Errorf("message kind %d already bound to %s", kind, prev.Descriptor().FullName())
	}
	if prev, ok := r.byName[name]; ok {
		return fmt.Errorf("message %s already bound to kind %d", name, prev)
	}
	r.byKind[kind] = mt
	r.byName[name] = kind
	return nil
}

func (r *ProtoRegistry) Marshal(m proto.Message) (uint16, []byte, error) {
	name := m.ProtoReflect().Descriptor().FullName()
	r.mu.RLock()
	kind, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return 0, nil, fmt.Errorf("message %s is not registered", name)
	}
	data, err := proto.Marshal(m)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return kind, data, nil
}

func (r *ProtoRegistry) Unmarshal(msg Message) (proto.Message, error) {
	r.mu.RLock()
	mt, ok := r.byKind[msg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("message kind %d is not registered", msg.Kind)
	}
	m := mt.New().Interface()
	if err := proto.Unmarshal(msg.Data, m); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", mt.Descriptor().FullName(), err)
	}
	return m, nil
}

// Sender is implemented by Connection and Client.
type Sender interface {
	Send(ch ChannelID, kind uint16, data []byte) error
}

// SendProto marshals m and queues it on ch.
func (r *ProtoRegistry) SendProto(s Sender, ch ChannelID, m proto.Message) error {
	kind, data, err := r.Marshal(m)
	if err != nil {
		return err
	}
	return s.Send(ch, kind, data)
}
