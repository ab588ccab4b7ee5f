package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/modelrun/internal/model"
	"github.com/seantiz/modelrun/internal/partition"
	"github.com/seantiz/modelrun/internal/pipeline"
)

// MaxMessageSize is the largest frame accepted on the worker channel (16 MiB).
const MaxMessageSize = 16 << 20

// headerSize is the length of the big-endian frame length prefix.
const headerSize = 4

// BatchRequest is sent from the parent to a worker process on its stdin.
type BatchRequest struct {
	Batch partition.Batch `json:"batch"`

	// Rows holds the samples of the batch: Rows[k] is sample Batch.Start+k.
	Rows [][]float64 `json:"rows"`

	Dir            string          `json:"dir"`
	Stages         pipeline.Stages `json:"stages"`
	Archive        bool            `json:"archive"`
	StageTimeoutMS int64           `json:"stage_timeout_ms,omitempty"`
	QOIWidth       int             `json:"qoi_width,omitempty"`
}

// BatchResult is the (indices, results) pair a worker reports once its whole
// batch has been evaluated. Values[k] is the QOI of sample Indices[k].
type BatchResult struct {
	Worker  int         `json:"worker"`
	Indices []int       `json:"indices"`
	Values  []model.QOI `json:"values"`
}

// Message types sent from a worker process to the parent.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Message is the envelope for everything a worker process writes to stdout.
// Any number of log messages precede exactly one result message. A result
// with a non-empty Error means the batch failed.
type Message struct {
	Type   string       `json:"type"`
	Line   string       `json:"line,omitempty"`
	Result *BatchResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// WriteMessage writes v to w as one frame: a 4-byte big-endian payload length
// followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(payload), MaxMessageSize)
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame from r and decodes its payload into v.
// A clean end of stream before the header is reported as io.EOF.
func ReadMessage(r io.Reader, v any) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
