package remap

import "time"

// Outcome は1サンプルの処理結果
type Outcome struct {
	Accepted bool            // 対象デバイスからのサンプルとして処理された
	Captured *DeviceIdentity // キャプチャモードで確定した識別情報
	Intents  []Direction     // 発生した方向入力
}

// Session はデバイス識別情報と変換器の状態をまとめたコンテキスト
// 単一のゴルーチンから使うこと
type Session struct {
	identity   DeviceIdentity
	configured bool
	translator *Translator
}

// NewSession は新しいセッションを作成する
// identity が未設定の場合はキャプチャモードで開始する
func NewSession(identity DeviceIdentity, th Thresholds) *Session {
	return &Session{
		identity:   identity,
		configured: !identity.IsZero(),
		translator: NewTranslator(th),
	}
}

// Configured は対象デバイスが確定しているかどうかを返す
func (s *Session) Configured() bool {
	return s.configured
}

// Identity は対象デバイスの識別情報を返す
func (s *Session) Identity() DeviceIdentity {
	return s.identity
}

// Translator は内部の変換器を返す
func (s *Session) Translator() *Translator {
	return s.translator
}

// Handle はサンプルを処理する
// 未設定の場合は最初のサンプルの送信元を対象デバイスとして確定し、そのサンプル自体は変換しない
func (s *Session) Handle(sample MotionSample, now time.Time) Outcome {
	if !s.configured {
		if sample.Source.IsZero() || (sample.DX == 0 && sample.DY == 0 && !sample.Buttons) {
			return Outcome{}
		}
		s.identity = sample.Source
		s.configured = true
		captured := s.identity
		return Outcome{Captured: &captured}
	}

	if !s.identity.Matches(sample.Source) {
		return Outcome{}
	}

	return Outcome{
		Accepted: true,
		Intents:  s.translator.Translate(sample, now),
	}
}
