package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/char5742/stickkeys/internal/config"
	"github.com/char5742/stickkeys/internal/features"
	"github.com/char5742/stickkeys/internal/remap"
)

// ルートの設定
func (s *Server) setupRoutes(router *http.ServeMux) {
	// 設定関連のエンドポイント
	router.HandleFunc("GET /api/config", s.handleGetConfig)
	router.HandleFunc("PUT /api/config", s.handleUpdateConfig)
	router.HandleFunc("POST /api/config/save", s.handleSaveConfig)

	// デバイス関連のエンドポイント
	router.HandleFunc("GET /api/devices", s.handleGetDevices)
	router.HandleFunc("GET /api/identity", s.handleGetIdentity)
	router.HandleFunc("DELETE /api/identity", s.handleDeleteIdentity)

	// サービス関連のエンドポイント
	router.HandleFunc("POST /api/service/start", s.handleStartService)
	router.HandleFunc("POST /api/service/stop", s.handleStopService)
	router.HandleFunc("GET /api/service/status", s.handleServiceStatus)
	router.HandleFunc("GET /api/events", s.handleEvents)

	// ヘルスチェック用エンドポイント
	router.HandleFunc("GET /api/health", s.handleHealthCheck)
}

// 設定取得ハンドラ
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetConfig())
}

// 設定更新ハンドラ
// 送られなかった項目は現在の値のまま
// しきい値以外の変更は実行中のサービスには次回の起動から反映される
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	current := s.GetConfig()
	newConfig := *current

	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		writeError(w, http.StatusBadRequest, "設定の解析に失敗しました")
		return
	}
	if err := newConfig.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	restartRequired := s.service.IsRunning() &&
		(newConfig.Device != current.Device || newConfig.Output != current.Output)

	s.UpdateConfig(&newConfig)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"restart_required": restartRequired,
	})
}

// 設定保存ハンドラ
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var saveRequest struct {
		Path string `json:"path"`
	}

	// ボディは省略できる
	if err := json.NewDecoder(r.Body).Decode(&saveRequest); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "リクエストの解析に失敗しました")
		return
	}

	configPath := saveRequest.Path
	if configPath == "" {
		configPath = s.configPath
	}
	if configPath == "" {
		path, err := config.DefaultConfigPath()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "デフォルト設定ディレクトリの取得に失敗しました")
			return
		}
		configPath = path
	}

	if err := config.SaveConfig(configPath, s.GetConfig()); err != nil {
		writeError(w, http.StatusInternalServerError, "設定の保存に失敗しました: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"path":   configPath,
	})
}

// deviceInfo は一覧表示用のデバイス情報
type deviceInfo struct {
	features.Device
	Target bool `json:"target"`
}

// デバイス一覧取得ハンドラ
func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.service.ScanDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "デバイス一覧の取得に失敗しました: "+err.Error())
		return
	}

	var identity remap.DeviceIdentity
	if path, err := s.service.IdentityPath(); err == nil {
		identity, _ = config.LoadIdentity(path)
	}

	list := make([]deviceInfo, 0, len(devices))
	for _, d := range devices {
		list = append(list, deviceInfo{Device: d, Target: !identity.IsZero() && identity.Matches(d.Identity())})
	}
	writeJSON(w, http.StatusOK, list)
}

// 識別情報取得ハンドラ
func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	path, err := s.service.IdentityPath()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "識別ファイルのパスを決定できません: "+err.Error())
		return
	}

	identity, err := config.LoadIdentity(path)
	switch {
	case errors.Is(err, config.ErrNotConfigured):
		writeJSON(w, http.StatusOK, struct {
			Configured bool `json:"configured"`
		}{false})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "識別ファイルの読み込みに失敗しました: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Configured bool                 `json:"configured"`
		Identity   remap.DeviceIdentity `json:"identity"`
	}{true, identity})
}

// 識別情報削除ハンドラ
// 次回のサービス起動時に対象デバイスを登録し直す
func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	if s.service.currentRun() != nil {
		writeError(w, http.StatusConflict, "サービスの実行中は識別情報を削除できません")
		return
	}
	path, err := s.service.IdentityPath()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "識別ファイルのパスを決定できません: "+err.Error())
		return
	}
	if err := config.RemoveIdentity(path); err != nil {
		writeError(w, http.StatusInternalServerError, "識別ファイルの削除に失敗しました: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// サービス起動ハンドラ
func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	if s.service.IsRunning() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
		return
	}

	if err := s.service.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrServiceRunning) || errors.Is(err, ErrServiceStopping) {
			status = http.StatusConflict
		}
		writeError(w, status, fmt.Sprintf("サービスの起動に失敗しました: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// サービス停止ハンドラ
func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	if !s.service.IsRunning() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
		return
	}

	if err := s.service.Stop(); errors.Is(err, ErrServiceNotRunning) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("サービスの停止に失敗しました: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// サービス状態取得ハンドラ
func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

// イベント配信ハンドラ
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	serveEvents(s.service.Events(), s.logger, w, r)
}

// ヘルスチェックハンドラ
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
