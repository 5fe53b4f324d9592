package features

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	evdev "github.com/gvalkov/golang-evdev"

	"github.com/char5742/stickkeys/internal/device"
	"github.com/char5742/stickkeys/internal/remap"
	"github.com/char5742/stickkeys/internal/utils"
)

// ErrBackendUnavailable は出力バックエンドがこのビルドで使えないことを表す
var ErrBackendUnavailable = errors.New("output backend is not available in this build")

// 方向入力をキー入力として送出するインターフェース
type Keyboard interface {
	// Tap はキーを押して離す
	Tap(d remap.Direction) error
	io.Closer
}

// KeyCode は方向に対応するキーコードを返す
func KeyCode(d remap.Direction) (uint16, bool) {
	switch d {
	case remap.Left:
		return evdev.KEY_LEFT, true
	case remap.Right:
		return evdev.KEY_RIGHT, true
	case remap.Up:
		return evdev.KEY_UP, true
	case remap.Down:
		return evdev.KEY_DOWN, true
	default:
		return 0, false
	}
}

type virtualKeyboard struct {
	name       []byte
	deviceFile *os.File
}

// 新しい仮想キーボードデバイスを作成する
func CreateKeyboard(path string, name []byte) (Keyboard, error) {
	fd, err := createKeyboard(path, name)
	if err != nil {
		return nil, err
	}

	return &virtualKeyboard{name: name, deviceFile: fd}, nil
}

func (vk *virtualKeyboard) Close() error {
	_ = releaseDevice(vk.deviceFile)
	return vk.deviceFile.Close()
}

// キーを押して離す
func (vk *virtualKeyboard) Tap(d remap.Direction) error {
	events, err := tapEvents(d)
	if err != nil {
		return err
	}
	return writeEvents(vk.deviceFile, events)
}

func tapEvents(d remap.Direction) ([]evdev.InputEvent, error) {
	code, ok := KeyCode(d)
	if !ok {
		return nil, fmt.Errorf("方向 %v に対応するキーがありません", d)
	}
	return []evdev.InputEvent{
		{Type: evdev.EV_KEY, Code: code, Value: 1},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
		{Type: evdev.EV_KEY, Code: code, Value: 0},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}, nil
}

func createKeyboard(path string, name []byte) (*os.File, error) {
	deviceFile, err := createDeviceFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not create virtual keyboard: %v", err)
	}

	// キー入力イベント(EV_KEY)を登録する
	if err = registerDevice(deviceFile, uintptr(evdev.EV_KEY)); err != nil {
		return nil, fmt.Errorf("キー入力イベント(EV_KEY)の登録に失敗しました: %v", err)
	}

	// 送出する方向キーを登録する
	for _, d := range []remap.Direction{remap.Left, remap.Right, remap.Up, remap.Down} {
		code, _ := KeyCode(d)
		if err = utils.IOCtl(deviceFile, device.SetKeyBit, uintptr(code)); err != nil {
			_ = deviceFile.Close()
			return nil, fmt.Errorf("キー %v の登録に失敗しました: %v", d, err)
		}
	}

	userDev := device.NewUserDev(name, device.InputID{
		Bustype: device.BusVirtual,
		Vendor:  0x4711,
		Product: 0x0818,
		Version: 1,
	})

	fd, err := createUinputDevice(deviceFile, userDev)
	if err != nil {
		return nil, fmt.Errorf("仮想デバイスの作成に失敗しました: %v", err)
	}

	return fd, nil
}

// デバイスファイルを作成する
func createDeviceFile(path string) (fd *os.File, err error) {
	deviceFile, err := os.OpenFile(path, syscall.O_WRONLY|syscall.O_NONBLOCK, 0660)
	if err != nil {
		return nil, fmt.Errorf("デバイスファイルを開くのに失敗しました: %w", err)
	}
	return deviceFile, nil
}

// デバイスを解放する
func releaseDevice(deviceFile *os.File) error {
	return utils.IOCtl(deviceFile, device.DevDestroy, uintptr(0))
}

// デバイスを登録する
func registerDevice(deviceFile *os.File, evType uintptr) error {
	err := utils.IOCtl(deviceFile, device.SetEvBit, evType)
	if err != nil {
		defer deviceFile.Close()
		if relErr := releaseDevice(deviceFile); relErr != nil {
			return fmt.Errorf("デバイスを解放するのに失敗しました: %v", relErr)
		}
		return fmt.Errorf("無効なファイルハンドルがutils.IOCtlから返されました: %v", err)
	}
	return nil
}

// uinputデバイスを作成する
func createUinputDevice(deviceFile *os.File, dev device.UserDev) (fd *os.File, err error) {
	buf := new(bytes.Buffer)
	if err = binary.Write(buf, binary.LittleEndian, dev); err != nil {
		_ = deviceFile.Close()
		return nil, fmt.Errorf("ユーザーデバイスバッファの書き込みに失敗しました: %v", err)
	}
	if _, err = deviceFile.Write(buf.Bytes()); err != nil {
		_ = deviceFile.Close()
		return nil, fmt.Errorf("デバイス構造体をデバイスファイルに書き込むのに失敗しました: %v", err)
	}

	if err = utils.IOCtl(deviceFile, device.DevCreate, uintptr(0)); err != nil {
		_ = deviceFile.Close()
		return nil, fmt.Errorf("デバイスの作成に失敗しました: %v", err)
	}

	return deviceFile, nil
}

// イベントを書き込む
func writeEvents(w io.Writer, events []evdev.InputEvent) error {
	buf := new(bytes.Buffer)
	for _, ev := range events {
		if err := binary.Write(buf, binary.LittleEndian, ev); err != nil {
			return fmt.Errorf("イベントをバッファに書き込むのに失敗しました: %v", err)
		}
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("イベントの書き込みに失敗しました: %v", err)
	}
	return nil
}
