package p2papi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MsgType string

const (
	MsgJobAssign        MsgType = "JOB_ASSIGN"
	MsgJobAck           MsgType = "JOB_ACK"
	MsgJobResult        MsgType = "JOB_RESULT"
	MsgJobFail          MsgType = "JOB_FAIL"
	MsgWorkerHeartbeat  MsgType = "WORKER_HEARTBEAT"
	MsgTaskStatusUpdate MsgType = "TASK_STATUS_UPDATE"
)

// Envelope is the unit exchanged between nodes. It is not modified after creation.
type Envelope struct {
	MsgType   MsgType         `json:"msg_type"`
	MsgID     string          `json:"msg_id"`
	SrcNode   string          `json:"src_node"`
	DstNode   string          `json:"dst_node"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func NewEnvelope(msgType MsgType, src, dst string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Envelope{
		MsgType:   msgType,
		MsgID:     uuid.NewString(),
		SrcNode:   src,
		DstNode:   dst,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s %s: empty payload", e.MsgType, e.MsgID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.MsgType, err)
	}
	return nil
}
