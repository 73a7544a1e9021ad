package notify

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Envelope is the outbound frame. Payload is base64(gzip(json(data))).
type Envelope struct {
	Service   string `json:"service"`
	DataType  string `json:"dataType"`
	Payload   string `json:"payload"`
	Datestamp string `json:"datestamp,omitempty"`
}

func EncodeEnvelope(key ServiceKey, dataType, datestamp string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", dataType, err)
	}

	var compressed bytes.Buffer
	zw, err := gzip.NewWriterLevel(&compressed, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress %s payload: %w", dataType, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress %s payload: %w", dataType, err)
	}

	return json.Marshal(Envelope{
		Service:   key.String(),
		DataType:  dataType,
		Payload:   base64.StdEncoding.EncodeToString(compressed.Bytes()),
		Datestamp: datestamp,
	})
}

// DecodeEnvelope reverses EncodeEnvelope, unmarshalling the payload into data when it is non-nil.
func DecodeEnvelope(message []byte, data any) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if data == nil {
		return envelope, nil
	}

	compressed, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode payload base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return Envelope{}, fmt.Errorf("open payload gzip: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return Envelope{}, fmt.Errorf("read payload gzip: %w", err)
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return Envelope{}, fmt.Errorf("decode payload json: %w", err)
	}
	return envelope, nil
}
