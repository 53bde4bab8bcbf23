//
// Copyright 2020-2021 Toda Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package mount

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuesongbj/toda/domain"
	"github.com/xuesongbj/toda/sysio"
)

var mountInfoData = []byte(`25 30 0:23 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
26 30 0:24 / /proc rw,nosuid,nodev,noexec,relatime shared:13 - proc proc rw
30 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw,errors=remount-ro
42 30 0:36 / /tmp rw,nosuid,nodev shared:19 - tmpfs tmpfs rw,size=65536k,mode=755
110 42 0:36 /chaos-a /tmp/chaos-a rw,nosuid,nodev master:2 - tmpfs tmpfs rw,size=65536k
131 30 0:48 / /var/lib/docker/overlay2 rw,relatime - overlay overlay rw,lowerdir=/a,upperdir=/b,workdir=/c
`)

func TestParseData(t *testing.T) {

	mi := &mountInfoParser{}

	err := mi.parseData(mountInfoData)
	require.NoError(t, err)
	require.Len(t, mi.mounts, 6)

	root := mi.mounts[2]
	assert.Equal(t, 30, root.MountID)
	assert.Equal(t, 1, root.ParentID)
	assert.Equal(t, "8:1", root.MajorMinorVer)
	assert.Equal(t, "/", root.MountPoint)
	assert.Equal(t, "ext4", root.FsType)
	assert.Equal(t, "/dev/sda1", root.Source)
	assert.Contains(t, root.Options, "relatime")
	assert.Equal(t, "remount-ro", root.VfsOptions["errors"])
	assert.Equal(t, "1", root.OptionalFields["shared"])

	chaos := mi.mounts[4]
	assert.Equal(t, "/chaos-a", chaos.Root)
	assert.Equal(t, "/tmp/chaos-a", chaos.MountPoint)
	assert.Equal(t, "2", chaos.OptionalFields["master"])
}

func TestParseDataMalformed(t *testing.T) {

	mi := &mountInfoParser{}
	err := mi.parseData([]byte("26 30 0:24 / /proc rw\n"))
	assert.Error(t, err)

	mi = &mountInfoParser{}
	err = mi.parseData([]byte("x 30 0:24 / /proc rw,relatime shared:13 - proc proc rw\n"))
	assert.Error(t, err)
}

func TestIsNonRoot(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	node := ios.NewIOnode("mountinfo", selfMountInfoPath, os.FileMode(0444))
	require.NoError(t, node.WriteFile(mountInfoData))

	mts := NewMountService()
	mts.Setup(ios)

	var tests = []struct {
		path string
		want bool
	}{
		{"/tmp/chaos-a", true},       // a mountpoint itself
		{"/tmp/chaos-a/sub", true},   // under a mountpoint
		{"/tmp/other", true},         // covered by /tmp
		{"/var/lib/docker", true},    // covered by /
		{"/var/lib/dockerx", true},   // still covered by /
	}

	for _, tc := range tests {
		got, err := mts.IsNonRoot(tc.path)
		require.NoError(t, err)
		assert.Equalf(t, tc.want, got, "path %s", tc.path)
	}

	// Without a root mount in the table, uncovered paths classify as such.
	require.NoError(t, node.WriteFile([]byte(
		"42 30 0:36 / /tmp rw,nosuid,nodev shared:19 - tmpfs tmpfs rw,size=65536k,mode=755\n")))

	got, err := mts.IsNonRoot("/home/user/data")
	require.NoError(t, err)
	assert.False(t, got)

	got, err = mts.IsNonRoot("/tmp/chaos-a")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestIsPathPrefix(t *testing.T) {

	var tests = []struct {
		prefix string
		path   string
		want   bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/b/c", true},
		{"/a/b", "/a/bc", false},
		{"/", "/anything", true},
		{"/a/b/c", "/a/b", false},
	}

	for _, tc := range tests {
		assert.Equalf(t, tc.want, isPathPrefix(tc.prefix, tc.path),
			"prefix %s path %s", tc.prefix, tc.path)
	}
}

// Benchmark /proc/pid/mountinfo parsing logic.
func Benchmark_parseData(b *testing.B) {

	for i := 0; i < b.N; i++ {
		mi := &mountInfoParser{}
		if err := mi.parseData(mountInfoData); err != nil {
			b.Fatal(err)
		}
	}
}
