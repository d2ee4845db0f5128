// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package katsulib

import (
	"testing"

	"github.com/microsoft/katsu/api/katsuapi"
	"github.com/stretchr/testify/assert"
)

func TestBuildDnfInstallArgs(t *testing.T) {
	dnf := &katsuapi.DnfBuilder{
		Packages:      []string{"@core", "kernel"},
		Exclude:       []string{"plymouth"},
		ReleaseVer:    "40",
		RepoDir:       "/repos",
		GpgCheck:      true,
		Options:       []string{"--nodocs"},
		GlobalOptions: []string{"--setopt=install_weak_deps=False"},
	}

	args := BuildDnfInstallArgs(dnf, katsuapi.ArchAarch64, "/work/chroot")

	assert.Equal(t, []string{
		"install",
		"-y",
		"--releasever=40",
		"--installroot=/work/chroot",
		"--forcearch=aarch64",
		"--setopt=reposdir=/repos",
		"--setopt=gpgcheck=1",
		"--setopt=install_weak_deps=False",
		"--exclude=plymouth",
		"--nodocs",
		"@core",
		"kernel",
	}, args)
}

func TestBuildDnfInstallArgsGpgCheckDisabled(t *testing.T) {
	dnf := &katsuapi.DnfBuilder{
		Packages:   []string{"@core"},
		ReleaseVer: "40",
		RepoDir:    "/repos",
	}

	args := BuildDnfInstallArgs(dnf, katsuapi.ArchX86_64, "/chroot")
	assert.Contains(t, args, "--setopt=gpgcheck=0")
}

func TestSquashfsCompressionArgs(t *testing.T) {
	args, err := SquashfsCompressionArgs("")
	assert.NoError(t, err)
	assert.Equal(t, []string{"-comp", "zstd", "-Xcompression-level", "19"}, args)

	args, err = SquashfsCompressionArgs("gzip")
	assert.NoError(t, err)
	assert.Equal(t, []string{"-comp", "gzip", "-Xcompression-level", "9"}, args)

	_, err = SquashfsCompressionArgs("rar")
	assert.ErrorContains(t, err, "unknown squashfs compression")
}

func TestErofsOptionsBuildArgs(t *testing.T) {
	args := DefaultErofsOptions().BuildArgs()

	assert.Contains(t, args, "--quiet")
	assert.Contains(t, args, "-zzstd,level=5")
	assert.Contains(t, args, "-C1048576")
	assert.Contains(t, args, "--exclude-path=proc/")
	assert.Contains(t, args, "-Eall-fragments,fragdedupe=inode")
}

func TestBuildDracutArgs(t *testing.T) {
	kernel := Kernel{Version: "6.9.0-100.fc40.x86_64"}

	args := BuildDracutArgs(kernel, "dmsquash-live livenet", "", "--xz --no-early-microcode")

	assert.Equal(t, []string{
		"--xz", "--no-early-microcode",
		"--nomdadmconf",
		"--nolvmconf",
		"-fN",
		"-a", "dmsquash-live livenet",
		"/boot/initramfs-6.9.0-100.fc40.x86_64.img",
		"--kver", "6.9.0-100.fc40.x86_64",
	}, args)

	args = BuildDracutArgs(kernel, "livenet", "plymouth", "")
	assert.Contains(t, args, "--omit")
	assert.Contains(t, args, "plymouth")
}

func TestOutFilePathDefaults(t *testing.T) {
	manifest := &katsuapi.Manifest{Output: katsuapi.OutputFormatDiskImage}
	assert.Equal(t, "katsu.img", OutFilePath(manifest))

	manifest.Output = katsuapi.OutputFormatIso
	assert.Equal(t, "out.iso", OutFilePath(manifest))

	manifest.OutFile = "custom.iso"
	assert.Equal(t, "custom.iso", OutFilePath(manifest))
}

func TestSplitOciRef(t *testing.T) {
	path, tag := splitOciRef("/var/lib/layouts/fedora:40")
	assert.Equal(t, "/var/lib/layouts/fedora", path)
	assert.Equal(t, "40", tag)

	path, tag = splitOciRef("/var/lib/layouts/fedora")
	assert.Equal(t, "/var/lib/layouts/fedora", path)
	assert.Equal(t, "latest", tag)

	// A colon inside a path segment is not a tag separator.
	path, tag = splitOciRef("/var/lib/lay:outs/fedora")
	assert.Equal(t, "/var/lib/lay:outs/fedora", path)
	assert.Equal(t, "latest", tag)
}

func TestRecordFsUuidRejectsDuplicates(t *testing.T) {
	bc := &BuildContext{FsUuids: map[string]string{}}

	assert.NoError(t, bc.RecordFsUuid("root", "uuid-1"))
	assert.NoError(t, bc.RecordFsUuid("boot", "uuid-2"))

	// The discovered UUID map must stay injective.
	err := bc.RecordFsUuid("esp", "uuid-1")
	assert.ErrorContains(t, err, "share filesystem UUID")
}

func TestEnvIsTruthy(t *testing.T) {
	assert.False(t, envIsTruthy(""))
	assert.False(t, envIsTruthy("0"))
	assert.False(t, envIsTruthy("false"))
	assert.False(t, envIsTruthy("no"))
	assert.True(t, envIsTruthy("1"))
	assert.True(t, envIsTruthy("true"))
	assert.True(t, envIsTruthy("yes"))
}

func TestLiveKernelCmdline(t *testing.T) {
	manifest := &katsuapi.Manifest{Distro: "fedora"}
	assert.Equal(t, "root=live:CDLABEL=KATSU-LIVEOS rd.live.image", liveKernelCmdline(manifest))

	manifest.VolumeId = "FEDORA-40"
	manifest.KernelCmdline = "quiet splash"
	assert.Equal(t, "root=live:CDLABEL=FEDORA-40 rd.live.image quiet splash",
		liveKernelCmdline(manifest))
}

func TestGenerateLimineLiveConf(t *testing.T) {
	manifest := &katsuapi.Manifest{Distro: "fedora", VolumeId: "FEDORA-40"}

	conf := generateLimineLiveConf(manifest)
	assert.Contains(t, conf, "/fedora Live")
	assert.Contains(t, conf, "kernel_path: boot():/boot/vmlinuz")
	assert.Contains(t, conf, "cmdline: root=live:CDLABEL=FEDORA-40 rd.live.image")
}

func TestGenerateGrubLiveCfg(t *testing.T) {
	manifest := &katsuapi.Manifest{Distro: "fedora"}

	cfg := generateGrubLiveCfg(manifest)
	assert.Contains(t, cfg, "search --no-floppy --set=root --label 'KATSU-LIVEOS'")
	assert.Contains(t, cfg, "menuentry 'fedora Live'")
	assert.Contains(t, cfg, "linux /boot/vmlinuz root=live:CDLABEL=KATSU-LIVEOS rd.live.image")
}
