package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveimage/kvalidate/internal/hv"
)

func TestResolveOptionsRejectsMultipleBackends(t *testing.T) {
	opts := &cliOptions{useKVM: true, useXen: true}
	err := resolveOptions(opts, []string{"/tmp/kerneldir"})
	assert.Error(t, err)

	opts = &cliOptions{useKVM: true, filePath: "/tmp/snap"}
	err = resolveOptions(opts, []string{"/tmp/kerneldir"})
	assert.Error(t, err)
}

func TestResolveOptionsRequiresKerneldir(t *testing.T) {
	os.Unsetenv("KVALIDATE_KERNELDIR")
	opts := &cliOptions{}
	err := resolveOptions(opts, nil)
	assert.Error(t, err)
}

func TestResolveOptionsPositionalArgs(t *testing.T) {
	opts := &cliOptions{}
	err := resolveOptions(opts, []string{"/tmp/kerneldir", "myvm"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/kerneldir", opts.kerneldir)
	assert.Equal(t, "myvm", opts.vmName)
}

func TestResolveOptionsEnvFallback(t *testing.T) {
	os.Setenv("KVALIDATE_KERNELDIR", "/env/kerneldir")
	os.Setenv("KVALIDATE_VM", "envvm")
	defer os.Unsetenv("KVALIDATE_KERNELDIR")
	defer os.Unsetenv("KVALIDATE_VM")

	opts := &cliOptions{}
	err := resolveOptions(opts, nil)
	require.NoError(t, err)
	assert.Equal(t, "/env/kerneldir", opts.kerneldir)
	assert.Equal(t, "envvm", opts.vmName)
}

func TestDialBackendFile(t *testing.T) {
	_, err := dialBackend(&cliOptions{filePath: "/nonexistent/snapshot"})
	assert.Error(t, err, "a missing snapshot file must fail to dial, not silently succeed")
}

func TestDialBackendKVMUnavailable(t *testing.T) {
	_, err := dialBackend(&cliOptions{useKVM: true})
	assert.ErrorIs(t, err, hv.ErrBackendUnavailable)
}

func TestDialBackendXenUnavailable(t *testing.T) {
	_, err := dialBackend(&cliOptions{useXen: true})
	assert.ErrorIs(t, err, hv.ErrBackendUnavailable)
}

func TestDialBackendAutoWithoutFileUnavailable(t *testing.T) {
	_, err := dialBackend(&cliOptions{})
	assert.ErrorIs(t, err, hv.ErrBackendUnavailable)
}
