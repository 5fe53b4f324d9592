package remap

import "time"

// Direction は方向キー入力の種類
type Direction int

const (
	Left Direction = iota
	Right
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// 既定のしきい値
const (
	DefaultTolerance     int32 = 5
	DefaultRestTolerance int32 = 10
	DefaultMinInterval         = 500 * time.Millisecond
)

// Thresholds は変換に使うしきい値
type Thresholds struct {
	Tolerance     int32         // これ未満の移動量は0として扱う
	RestTolerance int32         // 両軸がこれ未満なら静止とみなす
	MinInterval   time.Duration // 連続した入力の最小間隔
}

// DefaultThresholds は既定のしきい値を返す
func DefaultThresholds() Thresholds {
	return Thresholds{
		Tolerance:     DefaultTolerance,
		RestTolerance: DefaultRestTolerance,
		MinInterval:   DefaultMinInterval,
	}
}

// TranslatorState は変換器の状態
type TranslatorState struct {
	MovementRegistered bool
	LastMovement       time.Time
}

// Translator は相対移動を離散的な方向入力に変換する
// 一度の傾けにつき各軸1回だけ入力を発生させ、静止を検出するまで再発火しない
type Translator struct {
	th    Thresholds
	state TranslatorState
}

// NewTranslator は新しい変換器を作成する
func NewTranslator(th Thresholds) *Translator {
	return &Translator{th: th}
}

// SetThresholds はしきい値を更新する (状態は保持される)
func (t *Translator) SetThresholds(th Thresholds) {
	t.th = th
}

// Thresholds は現在のしきい値を返す
func (t *Translator) Thresholds() Thresholds {
	return t.th
}

// State は現在の状態のコピーを返す
func (t *Translator) State() TranslatorState {
	return t.state
}

// Translate はサンプルを処理し、発生した方向入力を返す
// 水平方向が先、垂直方向が後の順で最大2つ
func (t *Translator) Translate(s MotionSample, now time.Time) []Direction {
	dx := deadZone(s.DX, t.th.Tolerance)
	dy := deadZone(s.DY, t.th.Tolerance)

	if abs(dx) < int64(t.th.RestTolerance) && abs(dy) < int64(t.th.RestTolerance) {
		// 静止状態なので次の傾けに備える
		t.state.MovementRegistered = false
		return nil
	}

	if t.state.MovementRegistered || now.Sub(t.state.LastMovement) <= t.th.MinInterval {
		return nil
	}

	var dirs []Direction
	switch {
	case dx < 0:
		dirs = append(dirs, Left)
	case dx > 0:
		dirs = append(dirs, Right)
	}
	switch {
	case dy < 0:
		dirs = append(dirs, Up)
	case dy > 0:
		dirs = append(dirs, Down)
	}

	t.state.MovementRegistered = true
	t.state.LastMovement = now
	return dirs
}

func deadZone(v, tolerance int32) int32 {
	if abs(v) < int64(tolerance) {
		return 0
	}
	return v
}

// abs は math.MinInt32 でも正の値を返す
func abs(v int32) int64 {
	if v < 0 {
		return -int64(v)
	}
	return int64(v)
}
