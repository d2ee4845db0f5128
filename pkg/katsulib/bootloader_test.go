// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/stretchr/testify/assert"
)

func TestDiscoverKernels(t *testing.T) {
	chrootDir := t.TempDir()
	bootDir := filepath.Join(chrootDir, "boot")
	assert.NoError(t, os.MkdirAll(bootDir, os.ModePerm))

	for _, name := range []string{
		"vmlinuz-6.8.5-301.fc40.x86_64",
		"initramfs-6.8.5-301.fc40.x86_64.img",
		"vmlinuz-6.9.0-100.fc40.x86_64",
		"initramfs-6.9.0-100.fc40.x86_64.img",
		"vmlinuz-0-rescue-c4f8e2",
		"initramfs-0-rescue-c4f8e2.img",
		"config-6.8.5-301.fc40.x86_64",
	} {
		assert.NoError(t, os.WriteFile(filepath.Join(bootDir, name), []byte("x"), 0o644))
	}

	kernels, err := DiscoverKernels(chrootDir)
	assert.NoError(t, err)
	assert.Len(t, kernels, 2)

	// Rescue images are skipped; kernels sort by version, newest last.
	assert.Equal(t, "6.8.5-301.fc40.x86_64", kernels[0].Version)
	assert.Equal(t, "6.9.0-100.fc40.x86_64", kernels[1].Version)
	assert.Equal(t, "initramfs-6.9.0-100.fc40.x86_64.img", kernels[1].Initramfs)
}

func TestDiscoverKernelsEmptyBoot(t *testing.T) {
	chrootDir := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(chrootDir, "boot"), os.ModePerm))

	_, err := DiscoverKernels(chrootDir)
	assert.ErrorContains(t, err, "no kernels found")
}

func TestGenerateGrubCfg(t *testing.T) {
	manifest := &katsuapi.Manifest{
		Distro:        "fedora",
		KernelCmdline: "quiet",
	}
	kernels := []Kernel{
		{
			Version:   "6.9.0-100.fc40.x86_64",
			Vmlinuz:   "vmlinuz-6.9.0-100.fc40.x86_64",
			Initramfs: "initramfs-6.9.0-100.fc40.x86_64.img",
		},
	}

	cfg := GenerateGrubCfg(manifest, kernels, "530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e",
		"a8f11735-28f5-4a16-b1b6-d88a00f1b436", "")

	assert.Contains(t, cfg, "search --no-floppy --fs-uuid --set=root a8f11735-28f5-4a16-b1b6-d88a00f1b436")
	assert.Contains(t, cfg, "menuentry 'fedora (6.9.0-100.fc40.x86_64)'")
	assert.Contains(t, cfg,
		"linux /vmlinuz-6.9.0-100.fc40.x86_64 root=UUID=530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e ro quiet")
	assert.Contains(t, cfg, "initrd /initramfs-6.9.0-100.fc40.x86_64.img")
}

func TestGenerateGrubCfgRootRw(t *testing.T) {
	manifest := &katsuapi.Manifest{Distro: "fedora", RootRw: true}
	kernels := []Kernel{{Version: "6.9.0", Vmlinuz: "vmlinuz-6.9.0"}}

	cfg := GenerateGrubCfg(manifest, kernels, "root-uuid", "boot-uuid", "/boot")

	// The read-write root is a first-class option, not a script rewrite.
	assert.Contains(t, cfg, "linux /boot/vmlinuz-6.9.0 root=UUID=root-uuid rw")
	assert.NotContains(t, cfg, " ro ")
}

func TestGenerateGrubCfgNewestKernelFirst(t *testing.T) {
	manifest := &katsuapi.Manifest{Distro: "fedora"}
	kernels := []Kernel{
		{Version: "6.8.5", Vmlinuz: "vmlinuz-6.8.5"},
		{Version: "6.9.0", Vmlinuz: "vmlinuz-6.9.0"},
	}

	cfg := GenerateGrubCfg(manifest, kernels, "u", "b", "/boot")

	newest := strings.Index(cfg, "6.9.0")
	oldest := strings.Index(cfg, "6.8.5")
	assert.Less(t, newest, oldest)
}

func TestGenerateGrubEfiChainCfg(t *testing.T) {
	cfg := GenerateGrubEfiChainCfg("a8f11735-28f5-4a16-b1b6-d88a00f1b436", "/boot")

	assert.Contains(t, cfg, "search --no-floppy --fs-uuid --set=dev a8f11735-28f5-4a16-b1b6-d88a00f1b436")
	assert.Contains(t, cfg, "set prefix=($dev)/boot/grub2")
	assert.Contains(t, cfg, "configfile $prefix/grub.cfg")
}

func TestGenerateLimineConf(t *testing.T) {
	manifest := &katsuapi.Manifest{Distro: "fedora", KernelCmdline: "quiet"}
	kernels := []Kernel{
		{
			Version:   "6.9.0",
			Vmlinuz:   "vmlinuz-6.9.0",
			Initramfs: "initramfs-6.9.0.img",
		},
	}

	conf := GenerateLimineConf(manifest, kernels, "530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e")

	assert.Contains(t, conf, "/fedora (6.9.0)")
	assert.Contains(t, conf, "kernel_path: boot():/boot/vmlinuz-6.9.0")
	assert.Contains(t, conf, "module_path: boot():/boot/initramfs-6.9.0.img")
	assert.Contains(t, conf, "cmdline: root=UUID=530a36a4-8e23-4102-b1a5-7d7d2d4c4b4e ro quiet")
}

func TestEfiBinaryNames(t *testing.T) {
	shim, grub := efiBinaryNames(katsuapi.ArchX86_64)
	assert.Equal(t, "shimx64.efi", shim)
	assert.Equal(t, "grubx64.efi", grub)

	shim, grub = efiBinaryNames(katsuapi.ArchAarch64)
	assert.Equal(t, "shimaa64.efi", shim)
	assert.Equal(t, "grubaa64.efi", grub)
}

func TestRootFsUuidMapIsConsulted(t *testing.T) {
	bc := &BuildContext{
		Manifest: &katsuapi.Manifest{
			Disk: &katsuapi.Disk{
				Partitions: []katsuapi.Partition{
					{Label: "root", MountPoint: "/"},
				},
			},
		},
		FsUuids: map[string]string{"root": "the-uuid"},
	}

	uuid, err := rootFsUuid(bc)
	assert.NoError(t, err)
	assert.Equal(t, "the-uuid", uuid)

	// /boot on the root filesystem: boot prefix is /boot.
	bootUuid, prefix, err := bootFsUuid(bc)
	assert.NoError(t, err)
	assert.Equal(t, "the-uuid", bootUuid)
	assert.Equal(t, "/boot", prefix)
}
