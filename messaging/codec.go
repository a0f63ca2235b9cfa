package messaging

import (
	"encoding/json"
	"time"

	apperrors "sagaflow/errors"
)

// Envelope 传输层通用的线上格式
//
// Payload 保持原始 JSON，解码后交给订阅方自行反序列化为具体事件结构。
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix 纳秒
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata"`
}

// ToEnvelope 将消息编码为 Envelope；时间戳缺失时取当前时间
func ToEnvelope(msg IMessage) (*Envelope, error) {
	var payload json.RawMessage
	switch p := msg.GetPayload().(type) {
	case json.RawMessage:
		payload = p
	case []byte:
		payload = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeCodec, "encode message payload")
		}
		payload = data
	}

	ts := msg.GetTimestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	metadata := msg.GetMetadata()
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &Envelope{
		ID:        msg.GetID(),
		Type:      msg.GetType(),
		Timestamp: ts.UnixNano(),
		Payload:   payload,
		Metadata:  metadata,
	}, nil
}

// Message 将 Envelope 还原为 Message，Payload 为 json.RawMessage
func (e *Envelope) Message() *Message {
	metadata := e.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	var payload any
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	return &Message{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: time.Unix(0, e.Timestamp),
		Payload:   payload,
		Metadata:  metadata,
	}
}

// Marshal 将消息编码为 JSON 字节
func Marshal(msg IMessage) ([]byte, error) {
	env, err := ToEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal 从 JSON 字节解码消息
func Unmarshal(data []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeCodec, "decode message envelope")
	}
	return env.Message(), nil
}

// DecodePayload 将消息负载反序列化到 out；负载可以是 RawMessage、[]byte 或任意可 JSON 化的值
func DecodePayload(msg IMessage, out any) error {
	var data []byte
	switch p := msg.GetPayload().(type) {
	case nil:
		return apperrors.NewError(apperrors.ErrCodeCodec, "message has no payload")
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeCodec, "re-encode message payload")
		}
		data = encoded
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeCodec, "decode message payload")
	}
	return nil
}
