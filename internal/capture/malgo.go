package capture

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/satriahrh/candra/internal/audio"
)

// MalgoSource captures microphone audio through miniaudio. The context and
// device are acquired on Start and released on Stop, exactly once per pair.
type MalgoSource struct {
	sampleRate int
	channels   int

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// NewMalgoSource creates a microphone source requesting the given rate.
func NewMalgoSource(sampleRate int) *MalgoSource {
	return &MalgoSource{sampleRate: sampleRate, channels: 1}
}

// Start acquires the microphone and begins delivering frames.
func (s *MalgoSource) Start(onFrame func(samples []int16)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return s.sampleRate, nil
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.channels)
	deviceConfig.SampleRate = uint32(s.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onFrame(audio.BytesToInt16(input))
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return 0, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return 0, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	s.ctx = ctx
	s.device = device
	return s.sampleRate, nil
}

// Stop releases the device and context. Safe to call repeatedly.
func (s *MalgoSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		_ = s.device.Stop()
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
}
