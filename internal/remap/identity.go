// Package remap はポインティングスティックの相対移動を方向キー入力へ変換するコア処理を提供する
package remap

import "fmt"

// DeviceIdentity は対象デバイスを識別する情報
// Handle は再起動や再接続で変わるため、同一実行中の補助的な識別にのみ使う
type DeviceIdentity struct {
	Path   string `json:"path"`   // デバイスパス
	Handle string `json:"handle"` // デバイスハンドル (16進文字列)
}

// Matches はパスとハンドルの両方が完全一致する場合に true を返す
func (id DeviceIdentity) Matches(other DeviceIdentity) bool {
	return id.Path == other.Path && id.Handle == other.Handle
}

// IsZero は識別情報が未設定かどうかを返す
func (id DeviceIdentity) IsZero() bool {
	return id.Path == "" || id.Handle == ""
}

func (id DeviceIdentity) String() string {
	return fmt.Sprintf("%s [%s]", id.Path, id.Handle)
}

// MotionSample は1フレーム分の相対移動量
type MotionSample struct {
	DX      int32
	DY      int32
	Buttons bool // ボタン/キーイベントを含むフレーム
	Source  DeviceIdentity
}
