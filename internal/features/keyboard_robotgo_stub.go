//go:build !robotgo

package features

// CreateRobotgoKeyboard は robotgo タグなしのビルドでは使えない
func CreateRobotgoKeyboard() (Keyboard, error) {
	return nil, ErrBackendUnavailable
}
