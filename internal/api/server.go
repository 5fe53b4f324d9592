package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/char5742/stickkeys/internal/config"
)

// Server はAPIサーバーを表す構造体
type Server struct {
	server     *http.Server
	service    *RemapService
	logger     *slog.Logger
	cfg        *config.Config
	configPath string
	mutex      sync.RWMutex
	port       int
}

// NewServer は新しいAPIサーバーを作成する
// configPath は設定保存時の既定の保存先
func NewServer(cfg *config.Config, configPath string, service *RemapService, logger *slog.Logger, port int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		service:    service,
		logger:     logger,
		port:       port,
	}
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()
	s.setupRoutes(router)
	return router
}

// Start はAPIサーバーを開始する
// Stop で停止した場合は nil を返す
func (s *Server) Start() error {
	s.mutex.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mutex.Unlock()

	s.logger.Info("APIサーバーを開始します", "url", fmt.Sprintf("http://localhost:%d", s.port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop はAPIサーバーを停止する
func (s *Server) Stop(ctx context.Context) error {
	s.mutex.RLock()
	srv := s.server
	s.mutex.RUnlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("APIサーバーを停止します")
	return srv.Shutdown(ctx)
}

// GetConfig は現在の設定を返す
func (s *Server) GetConfig() *config.Config {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cfg
}

// UpdateConfig は設定を更新し、実行中のサービスにも反映する
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mutex.Lock()
	s.cfg = cfg
	s.mutex.Unlock()

	s.service.UpdateConfig(cfg)
}

// writeJSON はJSONレスポンスを書き込む
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Warn("JSONエンコードエラー", "error", err)
		}
	}
}

// writeError はエラーレスポンスを書き込む
func writeError(w http.ResponseWriter, status int, message string) {
	response := map[string]string{"error": message}
	writeJSON(w, status, response)
}
