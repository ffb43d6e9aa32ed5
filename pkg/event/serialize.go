package event

import (
	"encoding/json"
	"fmt"
)

// New は新しいイベントを生成する。
// payloadにはイベント固有のデータ構造体やmapを渡す。JSON形式にシリアライズされる。
// OccurredAtは未設定のままで、追記時にストアが現在時刻を補う。
func New(aggregateID, aggregateType, eventType string, version int64, payload any) (*Event, error) {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("イベントペイロードのシリアライズに失敗: %w", err)
	}

	return &Event{
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       jsonPayload,
		Version:       version,
	}, nil
}

// SetMetadata はメタデータをJSON形式にシリアライズして設定する。
// nilを渡すとメタデータを未設定に戻す。
func (e *Event) SetMetadata(metadata any) error {
	if metadata == nil {
		e.Metadata = nil
		return nil
	}
	jsonMetadata, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("イベントメタデータのシリアライズに失敗: %w", err)
	}
	e.Metadata = jsonMetadata
	return nil
}

// DecodePayload はイベントのPayloadを指定された型にデシリアライズする。
func DecodePayload[T any](e *Event) (*T, error) {
	var payload T
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("イベントペイロードのデシリアライズに失敗: %w", err)
	}
	return &payload, nil
}

// DecodeMetadata はイベントのMetadataを指定された型にデシリアライズする。
// メタデータが未設定の場合は(nil, nil)を返す。
func DecodeMetadata[T any](e *Event) (*T, error) {
	if !e.HasMetadata() {
		return nil, nil
	}
	var metadata T
	if err := json.Unmarshal(e.Metadata, &metadata); err != nil {
		return nil, fmt.Errorf("イベントメタデータのデシリアライズに失敗: %w", err)
	}
	return &metadata, nil
}
