//go:build robotgo

package features

import (
	"fmt"

	"github.com/go-vgo/robotgo"

	"github.com/char5742/stickkeys/internal/remap"
)

type robotgoKeyboard struct{}

// CreateRobotgoKeyboard はrobotgoでキー入力を送出するキーボードを作成する
// uinputが使えない環境向け
func CreateRobotgoKeyboard() (Keyboard, error) {
	return robotgoKeyboard{}, nil
}

func (robotgoKeyboard) Tap(d remap.Direction) error {
	if _, ok := KeyCode(d); !ok {
		return fmt.Errorf("方向 %v に対応するキーがありません", d)
	}
	return robotgo.KeyTap(d.String())
}

func (robotgoKeyboard) Close() error {
	return nil
}
