package features

import (
	"math"

	evdev "github.com/gvalkov/golang-evdev"

	"github.com/char5742/stickkeys/internal/remap"
)

// MotionFilter はevdevイベントをSYN_REPORT単位で1つのサンプルにまとめます
type MotionFilter struct {
	source  remap.DeviceIdentity
	dx      int32
	dy      int32
	buttons bool
	dropped bool
}

// 新しいモーションフィルターを作成します
func NewMotionFilter(source remap.DeviceIdentity) *MotionFilter {
	return &MotionFilter{source: source}
}

// イベントを1つ取り込みます。フレームが完成した場合はサンプルと true を返します
func (mf *MotionFilter) Filter(ev evdev.InputEvent) (remap.MotionSample, bool) {
	switch ev.Type {
	case evdev.EV_REL:
		switch ev.Code {
		case evdev.REL_X:
			mf.dx = addSaturated(mf.dx, ev.Value)
		case evdev.REL_Y:
			mf.dy = addSaturated(mf.dy, ev.Value)
		}

	case evdev.EV_KEY:
		mf.buttons = true

	case evdev.EV_SYN:
		switch ev.Code {
		case evdev.SYN_DROPPED:
			// バッファ溢れ。次のSYN_REPORTまでのイベントは捨てる
			mf.Reset()
			mf.dropped = true
		case evdev.SYN_REPORT:
			if mf.dropped {
				mf.Reset()
				return remap.MotionSample{}, false
			}
			if mf.dx == 0 && mf.dy == 0 && !mf.buttons {
				return remap.MotionSample{}, false
			}
			sample := remap.MotionSample{DX: mf.dx, DY: mf.dy, Buttons: mf.buttons, Source: mf.source}
			mf.Reset()
			return sample, true
		}
	}
	return remap.MotionSample{}, false
}

// フィルターの状態をリセットします
func (mf *MotionFilter) Reset() {
	mf.dx = 0
	mf.dy = 0
	mf.buttons = false
	mf.dropped = false
}

// addSaturated は int32 の範囲に収まるように加算します
func addSaturated(a, b int32) int32 {
	sum := int64(a) + int64(b)
	switch {
	case sum > math.MaxInt32:
		return math.MaxInt32
	case sum < math.MinInt32:
		return math.MinInt32
	}
	return int32(sum)
}
