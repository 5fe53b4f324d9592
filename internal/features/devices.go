package features

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jochenvg/go-udev"
	"golang.org/x/sys/unix"

	"github.com/char5742/stickkeys/internal/remap"
)

var (
	// ErrDeviceNotFound は設定済みのデバイスが列挙結果に見つからないことを表す
	ErrDeviceNotFound = errors.New("configured device not found")
	// ErrNoPointerDevices はポインティングデバイスが1つもないことを表す
	ErrNoPointerDevices = errors.New("no pointer devices found")
)

// sysClassInput はイベントノードの親デバイスを調べるためのsysfsパス
var sysClassInput = "/sys/class/input"

type Device struct {
	Name   string     `json:"name"`
	Path   string     `json:"path"`   // by-path/by-id のシンボリックリンク、なければノード自体
	Node   string     `json:"node"`   // /dev/input/eventN
	Handle string     `json:"handle"` // 親 inputN の番号 (16進)
	Type   DeviceType `json:"type"`
}

// Identity はデバイスの識別情報を返す
func (d Device) Identity() remap.DeviceIdentity {
	return remap.DeviceIdentity{Path: d.Path, Handle: d.Handle}
}

// IsPointer はマウス系のデバイスかどうかを返す
func (d Device) IsPointer() bool {
	return d.Type == DeviceTypeMouse || d.Type == DeviceTypePointingStick
}

// デバイスタイプを表す列挙型
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeKeyboard
	DeviceTypeMouse
	DeviceTypePointingStick
	DeviceTypeTouchpad
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeKeyboard:
		return "Keyboard"
	case DeviceTypeMouse:
		return "Mouse"
	case DeviceTypePointingStick:
		return "PointingStick"
	case DeviceTypeTouchpad:
		return "Touchpad"
	default:
		return "Unknown"
	}
}

func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ScanDevices は現在接続されている入力デバイスを列挙する
// udevが使えない場合は by-id / by-path のシンボリックリンクから検出する
func ScanDevices(inputDir string) ([]Device, error) {
	devices, err := scanUdev(inputDir)
	if err == nil && len(devices) > 0 {
		return devices, nil
	}
	if err != nil {
		slog.Debug("udevでの列挙に失敗しました", "error", err)
	}
	return ScanLinks(inputDir)
}

func scanUdev(inputDir string) ([]Device, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("input"); err != nil {
		return nil, err
	}
	if err := e.AddMatchIsInitialized(); err != nil {
		return nil, err
	}
	udevDevices, err := e.Devices()
	if err != nil {
		return nil, err
	}

	links := stableLinks(inputDir)
	var devices []Device
	for _, d := range udevDevices {
		node := d.Devnode()
		if !strings.HasPrefix(filepath.Base(node), "event") {
			continue
		}

		dev := Device{
			Node: node,
			Path: node,
			Type: classify(d.PropertyValue),
		}
		if link, ok := links[node]; ok {
			dev.Path = link
		}
		if parent := d.Parent(); parent != nil {
			dev.Name = parent.SysattrValue("name")
			dev.Handle = handleFromSysname(parent.Sysname())
		}
		if dev.Handle == "" {
			dev.Handle = nodeHandle(node)
		}
		devices = append(devices, dev)
	}

	sortDevices(devices)
	return devices, nil
}

// classify はudevプロパティからデバイスタイプを判定する
func classify(property func(string) string) DeviceType {
	switch {
	case property("ID_INPUT_POINTINGSTICK") == "1":
		return DeviceTypePointingStick
	case property("ID_INPUT_TOUCHPAD") == "1":
		return DeviceTypeTouchpad
	case property("ID_INPUT_MOUSE") == "1":
		return DeviceTypeMouse
	case property("ID_INPUT_KEYBOARD") == "1":
		return DeviceTypeKeyboard
	default:
		return DeviceTypeUnknown
	}
}

// ScanLinks は by-id と by-path のシンボリックリンクからデバイスを検出する
func ScanLinks(inputDir string) ([]Device, error) {
	var devices []Device
	seen := make(map[string]bool)
	found := false

	for _, sub := range []string{"by-path", "by-id"} {
		dir := filepath.Join(inputDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		found = true

		for _, entry := range entries {
			// eventが含まれない場合はスキップ
			if !strings.Contains(entry.Name(), "event") {
				continue
			}
			fullPath := filepath.Join(dir, entry.Name())
			node, err := resolveLink(fullPath, inputDir)
			if err != nil || seen[node] {
				continue
			}
			seen[node] = true

			dev := Device{Name: entry.Name(), Path: fullPath, Node: node, Handle: nodeHandle(node)}
			switch {
			case strings.Contains(entry.Name(), "kbd"):
				dev.Type = DeviceTypeKeyboard
			case strings.Contains(entry.Name(), "mouse"):
				dev.Type = DeviceTypeMouse
			}
			devices = append(devices, dev)
		}
	}

	if !found {
		return nil, fmt.Errorf("%s にデバイスのリンクがありません", inputDir)
	}
	sortDevices(devices)
	return devices, nil
}

// stableLinks はイベントノードから安定したリンクパスへの対応を返す
// by-path を優先する
func stableLinks(inputDir string) map[string]string {
	links := make(map[string]string)
	for _, sub := range []string{"by-id", "by-path"} {
		dir := filepath.Join(inputDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			fullPath := filepath.Join(dir, entry.Name())
			node, err := resolveLink(fullPath, inputDir)
			if err != nil {
				continue
			}
			links[node] = fullPath
		}
	}
	return links
}

func resolveLink(link, inputDir string) (string, error) {
	realPath, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	// 絶対パスを構築
	if strings.HasPrefix(realPath, "/") {
		return realPath, nil
	}
	return filepath.Join(inputDir, filepath.Base(realPath)), nil
}

// nodeHandle はイベントノードのハンドルを求める
// sysfsの親デバイス番号を使い、取得できなければデバイス番号を使う
func nodeHandle(node string) string {
	target, err := os.Readlink(filepath.Join(sysClassInput, filepath.Base(node), "device"))
	if err == nil {
		if h := handleFromSysname(filepath.Base(target)); h != "" {
			return h
		}
	}

	var st unix.Stat_t
	if err := unix.Stat(node, &st); err != nil {
		return ""
	}
	return strconv.FormatUint(uint64(st.Rdev), 16)
}

// handleFromSysname は "input12" のような名前から16進のハンドルを作る
func handleFromSysname(sysname string) string {
	n, err := strconv.ParseUint(strings.TrimPrefix(sysname, "input"), 10, 32)
	if err != nil || !strings.HasPrefix(sysname, "input") {
		return ""
	}
	return strconv.FormatUint(n, 16)
}

func sortDevices(devices []Device) {
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Node < devices[j].Node
	})
}

// PointerDevices はマウス系のデバイスだけを返す
func PointerDevices(devices []Device) []Device {
	var pointers []Device
	for _, d := range devices {
		if d.IsPointer() {
			pointers = append(pointers, d)
		}
	}
	return pointers
}

// FindDevice は識別情報が一致するデバイスを探す
func FindDevice(devices []Device, id remap.DeviceIdentity) (Device, error) {
	for _, d := range devices {
		if id.Matches(d.Identity()) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// DeviceEventType はデバイスイベントの種類を表す
type DeviceEventType int

const (
	DeviceAdded DeviceEventType = iota
	DeviceRemoved
)

func (t DeviceEventType) String() string {
	if t == DeviceRemoved {
		return "removed"
	}
	return "added"
}

// DeviceEvent はデバイスの変更イベントを表す
type DeviceEvent struct {
	Type   DeviceEventType
	Device Device
}

// DeviceCallback はデバイスイベント発生時に呼び出されるコールバック関数の型
type DeviceCallback func(event DeviceEvent)

// DeviceMonitor はデバイスの接続状態を監視する構造体
type DeviceMonitor struct {
	inputDir  string
	scan      func() ([]Device, error)
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	callbacks []DeviceCallback
	devices   map[string]Device // ノードをキーにしたデバイスマップ
	mutex     sync.RWMutex
	stopChan  chan struct{}
	doneChan  chan struct{}
	debounce  time.Duration
	isRunning bool
}

// NewDeviceMonitor は新しいDeviceMonitorを作成する
// scan が nil の場合は ScanDevices を使う
func NewDeviceMonitor(inputDir string, scan func() ([]Device, error), logger *slog.Logger) *DeviceMonitor {
	if scan == nil {
		scan = func() ([]Device, error) { return ScanDevices(inputDir) }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceMonitor{
		inputDir: inputDir,
		scan:     scan,
		logger:   logger,
		devices:  make(map[string]Device),
		debounce: 500 * time.Millisecond,
	}
}

// Start はデバイスの監視を開始する
func (dm *DeviceMonitor) Start() error {
	if dm.isRunning {
		return nil // すでに実行中
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の作成に失敗しました: %w", err)
	}

	// 監視対象のディレクトリを追加
	for _, dir := range []string{
		dm.inputDir,
		filepath.Join(dm.inputDir, "by-id"),
		filepath.Join(dm.inputDir, "by-path"),
	} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			dm.logger.Warn("ディレクトリの監視に失敗しました", "dir", dir, "error", err)
		} else {
			dm.logger.Debug("ディレクトリ監視を開始", "dir", dir)
		}
	}

	dm.watcher = watcher
	dm.stopChan = make(chan struct{})
	dm.doneChan = make(chan struct{})
	dm.isRunning = true

	// 初期デバイス一覧を取得
	dm.Rescan()

	go dm.watchEvents()
	return nil
}

// Stop はデバイスの監視を停止する
func (dm *DeviceMonitor) Stop() {
	if !dm.isRunning {
		return
	}

	close(dm.stopChan)
	<-dm.doneChan
	dm.watcher.Close()
	dm.isRunning = false
}

// RegisterCallback はデバイスイベントのコールバック関数を登録する
func (dm *DeviceMonitor) RegisterCallback(callback DeviceCallback) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	dm.callbacks = append(dm.callbacks, callback)
}

// Rescan はデバイス一覧を再スキャンし、差分をコールバックに通知する
func (dm *DeviceMonitor) Rescan() {
	devices, err := dm.scan()
	if err != nil {
		dm.logger.Warn("デバイス再スキャンに失敗しました", "error", err)
		return
	}
	dm.updateDeviceList(devices)
}

// updateDeviceList は現在のデバイス一覧を更新し、変更があれば通知する
func (dm *DeviceMonitor) updateDeviceList(newDevices []Device) {
	var events []DeviceEvent

	dm.mutex.Lock()
	current := make(map[string]bool, len(dm.devices))
	for node := range dm.devices {
		current[node] = true
	}

	for _, device := range newDevices {
		old, exists := dm.devices[device.Node]
		switch {
		case !exists:
			events = append(events, DeviceEvent{Type: DeviceAdded, Device: device})
		case old.Handle != device.Handle || old.Path != device.Path:
			// 同じノードに別のデバイスが割り当てられた
			events = append(events,
				DeviceEvent{Type: DeviceRemoved, Device: old},
				DeviceEvent{Type: DeviceAdded, Device: device})
		}
		dm.devices[device.Node] = device
		delete(current, device.Node)
	}

	// 削除されたデバイスを確認
	for node := range current {
		events = append(events, DeviceEvent{Type: DeviceRemoved, Device: dm.devices[node]})
		delete(dm.devices, node)
	}

	callbacks := append([]DeviceCallback(nil), dm.callbacks...)
	dm.mutex.Unlock()

	// ロックを解放した状態でコールバックを呼び出す
	for _, event := range events {
		dm.logger.Info("デバイスイベント",
			"type", event.Type, "node", event.Device.Node, "name", event.Device.Name)
		for _, callback := range callbacks {
			callback(event)
		}
	}
}

// watchEvents はfsnotifyのイベントを監視する
func (dm *DeviceMonitor) watchEvents() {
	defer close(dm.doneChan)

	// 一時的なファイルシステムイベントを収集してバッチ処理するためのしくみ
	eventTimer := time.NewTimer(dm.debounce)
	eventTimer.Stop()
	pendingRescan := false

	for {
		select {
		case <-dm.stopChan:
			eventTimer.Stop()
			return

		case <-eventTimer.C:
			if pendingRescan {
				pendingRescan = false
				dm.Rescan()
			}

		case event, ok := <-dm.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			dm.logger.Debug("ファイルシステムイベント", "op", event.Op.String(), "name", event.Name)

			// タイマーをリセットして複数のイベントをバッチ処理
			if !pendingRescan {
				pendingRescan = true
				eventTimer.Reset(dm.debounce)
			}

		case err, ok := <-dm.watcher.Errors:
			if !ok {
				return
			}
			dm.logger.Warn("ファイルシステム監視エラー", "error", err)
		}
	}
}

// GetConnectedDevices は現在接続されているデバイスのスナップショットを返す
func (dm *DeviceMonitor) GetConnectedDevices() []Device {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	devices := make([]Device, 0, len(dm.devices))
	for _, device := range dm.devices {
		devices = append(devices, device)
	}
	sortDevices(devices)
	return devices
}
