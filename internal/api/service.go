package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/char5742/stickkeys/internal/config"
	"github.com/char5742/stickkeys/internal/features"
	"github.com/char5742/stickkeys/internal/remap"
)

// サービスの状態に関するエラー
var (
	ErrServiceRunning    = errors.New("サービスは既に実行中です")
	ErrServiceStopping   = errors.New("サービスは停止処理中です")
	ErrServiceNotRunning = errors.New("サービスは実行されていません")
)

// ServiceOptions はRemapServiceの依存関係
// nil のフィールドは実デバイスを使う実装で補われる
type ServiceOptions struct {
	Config *config.Config
	// IdentityPath が空の場合は起動のたびに設定の device.identity_file から決める
	IdentityPath string
	Logger       *slog.Logger
	Events       *EventHub

	// Scan が nil の場合は起動のたびに設定の device.input_dir を列挙する
	Scan         func() ([]features.Device, error)
	OpenPointer  func(features.Device) (features.Pointer, error)
	OpenKeyboard func(config.OutputConfig) (features.Keyboard, error)
	Now          func() time.Time
	// Watch が true の場合はデバイスの抜き差しを監視する
	Watch bool
}

// Status はサービスの状態を表す構造体
type Status struct {
	Running       bool                  `json:"running"`
	Configured    bool                  `json:"configured"`
	Identity      *remap.DeviceIdentity `json:"identity,omitempty"`
	TargetPresent bool                  `json:"target_present"`
	OpenDevices   int                   `json:"open_devices"`
	Accepted      uint64                `json:"accepted_samples"`
	Emitted       uint64                `json:"emitted_keys"`
	InjectErrors  uint64                `json:"inject_errors"`
}

// remapRun は1回の起動から停止までに使う資源
// 停止処理が終わるまで次の起動はできない
type remapRun struct {
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	stopping     bool // RemapService.mutex で保護
	identityPath string
	samples      chan remap.MotionSample
	keyboard     features.Keyboard
	monitor      *features.DeviceMonitor

	pointersMutex sync.Mutex
	pointers      map[string]features.Pointer // ノードをキーにした読み取り中のデバイス
	readers       sync.WaitGroup
}

// RemapService はポインティングスティックの入力を方向キーに変換するサービス
type RemapService struct {
	opts   ServiceOptions
	logger *slog.Logger

	mutex        sync.Mutex // run を保護
	run          *remapRun
	updateConfig chan *config.Config

	statusMutex sync.RWMutex
	status      Status
	cfg         *config.Config
}

// NewRemapService は新しいサービスを作成する
func NewRemapService(opts ServiceOptions) *RemapService {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = NewEventHub()
	}
	if opts.OpenPointer == nil {
		opts.OpenPointer = features.OpenPointer
	}
	if opts.OpenKeyboard == nil {
		opts.OpenKeyboard = openKeyboard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &RemapService{
		opts:         opts,
		logger:       opts.Logger,
		cfg:          opts.Config,
		updateConfig: make(chan *config.Config, 1),
	}
}

// openKeyboard は設定に従って出力先のキーボードを作成する
func openKeyboard(out config.OutputConfig) (features.Keyboard, error) {
	switch out.Backend {
	case config.BackendRobotgo:
		return features.CreateRobotgoKeyboard()
	default:
		return features.CreateKeyboard(out.UinputPath, []byte(out.DeviceName))
	}
}

// Events はイベント配信用のハブを返す
func (s *RemapService) Events() *EventHub {
	return s.opts.Events
}

// IdentityPath は現在の設定での識別ファイルのパスを返す
func (s *RemapService) IdentityPath() (string, error) {
	if s.opts.IdentityPath != "" {
		return s.opts.IdentityPath, nil
	}
	return s.currentConfig().IdentityPath()
}

// ScanDevices は現在の設定で入力デバイスを列挙する
func (s *RemapService) ScanDevices() ([]features.Device, error) {
	return s.scanner(s.currentConfig())()
}

func (s *RemapService) scanner(cfg *config.Config) func() ([]features.Device, error) {
	if s.opts.Scan != nil {
		return s.opts.Scan
	}
	inputDir := cfg.Device.InputDir
	return func() ([]features.Device, error) { return features.ScanDevices(inputDir) }
}

// Start はサービスを開始する
func (s *RemapService) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.run != nil {
		if s.run.stopping {
			return ErrServiceStopping
		}
		return ErrServiceRunning
	}

	cfg := s.currentConfig()
	identityPath, err := s.IdentityPath()
	if err != nil {
		return fmt.Errorf("識別ファイルのパスを決定できません: %w", err)
	}
	scan := s.scanner(cfg)

	// 識別ファイルがない、または不完全な場合はキャプチャモードで開始する
	identity, err := config.LoadIdentity(identityPath)
	switch {
	case errors.Is(err, config.ErrNotConfigured):
		s.logger.Info("対象デバイスが未設定です。最初に動かしたデバイスを登録します", "identity_file", identityPath)
	case err != nil:
		s.logger.Warn("識別ファイルを読み込めませんでした。キャプチャモードで開始します", "error", err)
		identity = remap.DeviceIdentity{}
	}

	keyboard, err := s.opts.OpenKeyboard(cfg.Output)
	if err != nil {
		return fmt.Errorf("仮想キーボードの作成に失敗しました: %w", err)
	}

	devices, err := scan()
	if err != nil {
		keyboard.Close()
		return fmt.Errorf("デバイス一覧の取得に失敗しました: %w", err)
	}
	pointers := features.PointerDevices(devices)
	if len(pointers) == 0 {
		keyboard.Close()
		return features.ErrNoPointerDevices
	}

	targetPresent := false
	if !identity.IsZero() {
		if d, err := features.FindDevice(devices, identity); err != nil {
			s.logger.Warn("設定されたデバイスが見つかりません。識別ファイルを削除して再度設定してください",
				"identity", identity.String(), "identity_file", identityPath)
		} else {
			targetPresent = true
			s.logger.Info("対象デバイスを検出しました", "name", d.Name, "node", d.Node)
		}
	}

	session := remap.NewSession(identity, cfg.Thresholds())

	ctx, cancel := context.WithCancel(context.Background())
	r := &remapRun{
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		identityPath: identityPath,
		samples:      make(chan remap.MotionSample, 64),
		keyboard:     keyboard,
		pointers:     make(map[string]features.Pointer),
	}

	s.statusMutex.Lock()
	s.status = Status{Running: true, Configured: session.Configured(), TargetPresent: targetPresent}
	if session.Configured() {
		id := session.Identity()
		s.status.Identity = &id
	}
	s.statusMutex.Unlock()

	for _, d := range pointers {
		s.openPointer(r, d, identity)
	}

	if s.opts.Watch {
		monitor := features.NewDeviceMonitor(cfg.Device.InputDir, scan, s.logger)
		monitor.RegisterCallback(func(ev features.DeviceEvent) {
			s.handleDeviceEvent(r, ev)
		})
		if err := monitor.Start(); err != nil {
			s.logger.Warn("デバイス監視を開始できませんでした", "error", err)
		} else {
			r.monitor = monitor
		}
	}

	s.run = r

	// 変換のメインループを開始
	go s.runRemapLoop(r, session)

	return nil
}

// Stop はサービスを停止し、後片付けが終わるまで待つ
func (s *RemapService) Stop() error {
	s.mutex.Lock()
	r := s.run
	if r == nil {
		s.mutex.Unlock()
		return ErrServiceNotRunning
	}
	r.stopping = true
	s.mutex.Unlock()

	r.cancel()
	<-r.done
	return nil
}

// Done はメインループが終了すると閉じられるチャネルを返す
// 実行中でなければ閉じたチャネルを返す
func (s *RemapService) Done() <-chan struct{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.run == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.run.done
}

// UpdateConfig は設定を更新する
// しきい値は実行中のループに即時反映され、それ以外は次回の起動から使われる
func (s *RemapService) UpdateConfig(cfg *config.Config) {
	s.statusMutex.Lock()
	s.cfg = cfg
	s.statusMutex.Unlock()

	select {
	case s.updateConfig <- cfg:
		// 設定更新チャネルに送信成功
	default:
		// チャネルがブロックされている場合は古い設定を破棄して新しい設定を送信
		select {
		case <-s.updateConfig:
		default:
		}
		s.updateConfig <- cfg
	}
}

// IsRunning はサービスが実行中かどうかを返す
// 停止処理中は false
func (s *RemapService) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.run != nil && !s.run.stopping
}

// currentRun は実行中の資源を返す
func (s *RemapService) currentRun() *remapRun {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.run
}

// Status は現在の状態のスナップショットを返す
func (s *RemapService) Status() Status {
	running := s.IsRunning()

	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()

	st := s.status
	st.Running = running
	if st.Identity != nil {
		id := *st.Identity
		st.Identity = &id
	}
	return st
}

func (s *RemapService) currentConfig() *config.Config {
	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()
	return s.cfg
}

func (s *RemapService) updateStatus(fn func(st *Status)) {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()
	fn(&s.status)
}

// openPointer はデバイスを開いて読み取りゴルーチンを起動する
// 既に開いているノードは無視する
func (s *RemapService) openPointer(r *remapRun, d features.Device, target remap.DeviceIdentity) {
	r.pointersMutex.Lock()
	defer r.pointersMutex.Unlock()

	if _, exists := r.pointers[d.Node]; exists || r.ctx.Err() != nil {
		return
	}

	p, err := s.opts.OpenPointer(d)
	if err != nil {
		s.logger.Warn("デバイスを開けませんでした", "node", d.Node, "error", err)
		return
	}
	r.pointers[d.Node] = p
	s.updateStatus(func(st *Status) { st.OpenDevices = len(r.pointers) })
	s.logger.Debug("デバイスの読み取りを開始", "node", d.Node, "path", d.Path, "handle", d.Handle, "type", d.Type)

	if s.currentConfig().Device.Grab && target.Matches(d.Identity()) {
		if err := p.Grab(); err != nil {
			s.logger.Warn("デバイスを専有できませんでした", "node", d.Node, "error", err)
		}
	}

	r.readers.Add(1)
	go func() {
		defer r.readers.Done()
		if err := p.Run(r.ctx, r.samples); err != nil {
			s.logger.Info("デバイスの読み取りを終了しました", "node", d.Node, "error", err)
		}
		_ = p.Close()

		r.pointersMutex.Lock()
		if r.pointers[d.Node] == p {
			delete(r.pointers, d.Node)
		}
		n := len(r.pointers)
		r.pointersMutex.Unlock()
		s.updateStatus(func(st *Status) { st.OpenDevices = n })
	}()
}

// grabTarget は対象デバイスを専有する
func (s *RemapService) grabTarget(r *remapRun, target remap.DeviceIdentity) {
	if !s.currentConfig().Device.Grab {
		return
	}
	r.pointersMutex.Lock()
	defer r.pointersMutex.Unlock()

	for _, p := range r.pointers {
		if target.Matches(p.Device().Identity()) {
			if err := p.Grab(); err != nil {
				s.logger.Warn("デバイスを専有できませんでした", "node", p.Device().Node, "error", err)
			}
		}
	}
}

// handleDeviceEvent はデバイスの抜き差しに対応する
func (s *RemapService) handleDeviceEvent(r *remapRun, ev features.DeviceEvent) {
	s.statusMutex.RLock()
	var target remap.DeviceIdentity
	if s.status.Identity != nil {
		target = *s.status.Identity
	}
	s.statusMutex.RUnlock()

	switch ev.Type {
	case features.DeviceAdded:
		if !target.IsZero() && target.Matches(ev.Device.Identity()) {
			s.updateStatus(func(st *Status) { st.TargetPresent = true })
		}
		if ev.Device.IsPointer() {
			s.openPointer(r, ev.Device, target)
		}
	case features.DeviceRemoved:
		if !target.IsZero() && target.Matches(ev.Device.Identity()) {
			s.updateStatus(func(st *Status) { st.TargetPresent = false })
			s.logger.Warn("対象デバイスが切断されました。再接続後はハンドルが変わるため、識別ファイルを削除して再度設定してください",
				"identity", target.String(), "identity_file", r.identityPath)
		}
	}
}

// runRemapLoop は変換のメインループ
// セッションはこのゴルーチンだけが操作する
func (s *RemapService) runRemapLoop(r *remapRun, session *remap.Session) {
	defer func() {
		// サービス終了時にデバイスをクローズ
		if r.monitor != nil {
			r.monitor.Stop()
		}
		r.readers.Wait()
		if r.keyboard != nil {
			r.keyboard.Close()
		}
		s.updateStatus(func(st *Status) { st.Running = false })
		s.logger.Info("変換サービスを停止しました")

		s.mutex.Lock()
		if s.run == r {
			s.run = nil
		}
		s.mutex.Unlock()
		close(r.done)
	}()

	cfg := s.currentConfig()
	idleRest := cfg.Motion.IdleRest

	// 静止サンプルを補うためのタイマー (入力を受け付けるまで止めておく)
	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	s.logger.Info("変換を開始しました", "configured", session.Configured())

	for {
		select {
		case <-r.ctx.Done():
			return

		case newCfg := <-s.updateConfig:
			session.Translator().SetThresholds(newCfg.Thresholds())
			idleRest = newCfg.Motion.IdleRest
			s.logger.Info("設定を更新しました",
				"tolerance", newCfg.Motion.Tolerance,
				"rest_tolerance", newCfg.Motion.RestTolerance,
				"min_interval", newCfg.Motion.MinInterval)

		case sample := <-r.samples:
			out := session.Handle(sample, s.opts.Now())
			s.handleOutcome(r, out)
			if out.Accepted && idleRest > 0 {
				idle.Reset(idleRest)
			}

		case <-idle.C:
			if session.Configured() {
				s.handleOutcome(r, session.Handle(remap.MotionSample{Source: session.Identity()}, s.opts.Now()))
			}
		}
	}
}

// handleOutcome はセッションの処理結果を反映する
func (s *RemapService) handleOutcome(r *remapRun, out remap.Outcome) {
	if out.Captured != nil {
		id := *out.Captured
		s.logger.Info("対象デバイスを登録しました", "path", id.Path, "handle", id.Handle)
		if err := config.SaveIdentity(r.identityPath, id); err != nil {
			s.logger.Error("識別ファイルの保存に失敗しました", "identity_file", r.identityPath, "error", err)
		} else {
			s.logger.Info("設定を保存しました", "identity_file", r.identityPath)
		}
		s.updateStatus(func(st *Status) {
			st.Configured = true
			st.Identity = &id
			st.TargetPresent = true
		})
		s.grabTarget(r, id)
		s.opts.Events.Publish(Event{Type: EventCaptured, Identity: &id, Time: s.opts.Now()})
		return
	}

	if !out.Accepted {
		return
	}

	var emitted, failed uint64
	for _, d := range out.Intents {
		if err := r.keyboard.Tap(d); err != nil {
			failed++
			s.logger.Warn("キー入力の送出に失敗しました", "direction", d, "error", err)
			continue
		}
		emitted++
		s.logger.Debug("方向キーを送出しました", "direction", d)
		s.opts.Events.Publish(Event{Type: EventKey, Direction: d.String(), Time: s.opts.Now()})
	}

	s.updateStatus(func(st *Status) {
		st.Accepted++
		st.Emitted += emitted
		st.InjectErrors += failed
	})
}
