package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/char5742/stickkeys/internal/remap"
)

// IdentityFileName はデバイス識別ファイルのデフォルト名
const IdentityFileName = "device.ini"

// 識別ファイルのキー
const (
	keyDevicePath = "devicePath"
	keyHandle     = "hDevice"
)

// ErrNotConfigured は対象デバイスがまだ設定されていないことを表す
// 識別ファイルが存在しない場合や、キーが欠けている場合に返される
var ErrNotConfigured = errors.New("target device is not configured")

// LoadIdentity は識別ファイルから対象デバイスの識別情報を読み込む
func LoadIdentity(path string) (remap.DeviceIdentity, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return remap.DeviceIdentity{}, ErrNotConfigured
	}
	if err != nil {
		return remap.DeviceIdentity{}, fmt.Errorf("識別ファイルを開けませんでした: %w", err)
	}
	defer f.Close()

	return ParseIdentity(f)
}

// ParseIdentity は key=value 形式の2行から識別情報を読み取る
// 行の順序は問わない
func ParseIdentity(r io.Reader) (remap.DeviceIdentity, error) {
	var id remap.DeviceIdentity
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case keyDevicePath:
			id.Path = strings.TrimSpace(value)
		case keyHandle:
			id.Handle = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return remap.DeviceIdentity{}, fmt.Errorf("識別ファイルの読み込みに失敗しました: %w", err)
	}

	if id.IsZero() {
		return remap.DeviceIdentity{}, ErrNotConfigured
	}
	return id, nil
}

// SaveIdentity は識別情報をファイルに書き込む
// 一時ファイルに書いてから置き換えるため、途中の状態が読まれることはない
func SaveIdentity(path string, id remap.DeviceIdentity) error {
	if id.IsZero() {
		return fmt.Errorf("識別情報が空です")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := fmt.Fprintf(tmp, "%s=%s\n%s=%s\n", keyDevicePath, id.Path, keyHandle, id.Handle); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// RemoveIdentity は識別ファイルを削除する
// ファイルが存在しない場合はエラーにしない
func RemoveIdentity(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
