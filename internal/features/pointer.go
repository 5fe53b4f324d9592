package features

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	evdev "github.com/gvalkov/golang-evdev"

	"github.com/char5742/stickkeys/internal/remap"
)

// Pointer はマウス系デバイスからサンプルを読み取るインターフェース
type Pointer interface {
	// Device は読み取り元のデバイス情報を返す
	Device() Device
	// Run はctxが終了するかデバイスが切断されるまでサンプルを out に送る
	Run(ctx context.Context, out chan<- remap.MotionSample) error
	// マウス操作を専有する
	Grab() error
	// マウス操作の専有を解除する
	Release() error
	Close() error
}

type evdevPointer struct {
	info    Device
	dev     *evdev.InputDevice
	mu      sync.Mutex
	grabbed bool
	closed  bool
}

// OpenPointer は指定されたデバイスを開く
func OpenPointer(d Device) (Pointer, error) {
	dev, err := evdev.Open(d.Node)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file %s: %w", d.Node, err)
	}
	if d.Name == "" {
		d.Name = dev.Name
	}
	return &evdevPointer{info: d, dev: dev}, nil
}

func (p *evdevPointer) Device() Device {
	return p.info
}

func (p *evdevPointer) Run(ctx context.Context, out chan<- remap.MotionSample) error {
	// Readはブロックするため、終了時はファイルを閉じて解除する
	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()

	filter := NewMotionFilter(p.info.Identity())
	for {
		events, err := p.dev.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read device %s: %w", p.info.Node, err)
		}

		for _, ev := range events {
			sample, ok := filter.Filter(ev)
			if !ok {
				continue
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (p *evdevPointer) Grab() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.grabbed {
		return nil
	}
	if err := p.dev.Grab(); err != nil {
		return fmt.Errorf("failed to grab device: %w", err)
	}
	p.grabbed = true
	return nil
}

func (p *evdevPointer) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.grabbed {
		return nil
	}
	if err := p.dev.Release(); err != nil {
		return fmt.Errorf("failed to release device: %w", err)
	}
	p.grabbed = false
	return nil
}

func (p *evdevPointer) Close() error {
	_ = p.Release()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.dev.File.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
