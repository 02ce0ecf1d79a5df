package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/ctfd/pkg/config"
	"github.com/cuemby/ctfd/pkg/runtime"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"64m", 64 * 1024 * 1024},
		{"1g", 1024 * 1024 * 1024},
		{"512k", 512 * 1024},
		{"100", 100},
		{"  256M  ", 256 * 1024 * 1024},
		{"garbage", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseSize(tt.in), "parseSize(%q)", tt.in)
	}
}

func TestErrorFormatting(t *testing.T) {
	wrapped := errors.New("boom")
	e := kindErr(KindEngineFatal, "create failed", wrapped)
	assert.Equal(t, "create failed: boom", e.Error())
	assert.Equal(t, wrapped, e.Unwrap())

	bare := kindErr(KindCaptchaInvalid, "captcha invalid", nil)
	assert.Equal(t, "captcha invalid", bare.Error())
}

func TestClassifyEngineErrMapsDriverErrorKinds(t *testing.T) {
	o := &Orchestrator{}

	conflict := &runtime.DriverError{Kind: runtime.KindConflict, Op: "create", Err: errors.New("in use")}
	err := o.classifyEngineErr("create", conflict).(*Error)
	assert.Equal(t, KindEngineTransient, err.Kind)

	notFound := &runtime.DriverError{Kind: runtime.KindNotFound, Op: "start", Err: errors.New("gone")}
	err = o.classifyEngineErr("start", notFound).(*Error)
	assert.Equal(t, KindNotFound, err.Kind)

	fatal := &runtime.DriverError{Kind: runtime.KindFatal, Op: "create", Err: errors.New("boom")}
	err = o.classifyEngineErr("create", fatal).(*Error)
	assert.Equal(t, KindEngineFatal, err.Kind)

	plain := o.classifyEngineErr("create", errors.New("unclassified")).(*Error)
	assert.Equal(t, KindEngineFatal, plain.Kind)
}

func TestBuildSpecMapsConfigFields(t *testing.T) {
	cfg := &config.Config{
		ImagesName:       "challenge:latest",
		PortInContainer:  80,
		NetworkName:      "ctf_net",
		Flag:             "flag{test}",
		PerContainerMem:  256 * 1024 * 1024,
		PerContainerSwap: 128 * 1024 * 1024,
		PerContainerCPU:  0.5,
		PerContainerPids: 64,
		NoNewPrivileges:  true,
		ReadOnly:         true,
		TmpfsEnable:      true,
		TmpfsSize:        "32m",
		DropAllCaps:      true,
		CapNetBind:       true,
		CapChown:         false,
	}
	o := &Orchestrator{cfg: cfg}
	spec := o.buildSpec("container-1", 20005)

	assert.Equal(t, "container-1", spec.ID)
	assert.Equal(t, "challenge:latest", spec.Image)
	assert.Equal(t, 20005, spec.HostPort)
	assert.Equal(t, 80, spec.PortInContainer)
	assert.Equal(t, "ctf_net", spec.NetworkName)
	assert.Equal(t, "flag{test}", spec.Env["FLAG"])
	assert.Equal(t, int64(256*1024*1024), spec.MemoryLimitBytes)
	assert.Equal(t, int64(32*1024*1024), spec.TmpfsSizeBytes)
	assert.True(t, spec.DropAllCaps)
	assert.True(t, spec.AddCapNetBind)
	assert.False(t, spec.AddCapChown)
}
