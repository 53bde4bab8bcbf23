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

//go:build linux
// +build linux

package hookfs

import (
	"fmt"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Server hosts one hookfs instance: the FUSE connection, the serving
// goroutine, and the backing-directory fd everything resolves against.
//
// The backing fd is captured before fuse.Mount so that, when the caller
// later stacks or moves the FUSE mount over the backing path itself, the
// daemon keeps reaching the underlay instead of recursing into its own
// mount.
type Server struct {
	backing    string
	mountPoint string
	faults     *Faults

	rootFd   int
	conn     *fuse.Conn
	serveErr chan error
}

func NewServer(backing, mountPoint string, faults *Faults) *Server {
	return &Server{
		backing:    backing,
		mountPoint: mountPoint,
		faults:     faults,
		rootFd:     -1,
	}
}

func (s *Server) Faults() *Faults {
	return s.faults
}

// Mount opens the backing root and mounts the filesystem at the mountpoint,
// returning once the kernel has acknowledged the mount.
func (s *Server) Mount() error {

	rootFd, err := unix.Open(s.backing,
		unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open backing dir %s: %w", s.backing, err)
	}
	s.rootFd = rootFd

	conn, err := fuse.Mount(
		s.mountPoint,
		fuse.FSName("chaosfs"),
		fuse.Subtype("chaosfs"),
		fuse.AllowOther(),
		fuse.DefaultPermissions(),
	)
	if err != nil {
		unix.Close(rootFd)
		s.rootFd = -1
		return fmt.Errorf("failed to mount hookfs at %s: %w", s.mountPoint, err)
	}
	s.conn = conn

	s.serveErr = make(chan error, 1)
	go func() {
		s.serveErr <- fs.Serve(conn, &hookFS{rootFd: rootFd, faults: s.faults})
	}()

	<-conn.Ready
	if err := conn.MountError; err != nil {
		s.Close()
		return fmt.Errorf("hookfs mount error at %s: %w", s.mountPoint, err)
	}

	logrus.Infof("hookfs serving %s at %s", s.backing, s.mountPoint)

	return nil
}

// Unmount asks the kernel to detach the mount at the given path (the mount
// may have been moved away from its original mountpoint by the caller).
// Serving ends once the kernel connection drains.
func (s *Server) Unmount(mountedAt string) error {

	if err := fuse.Unmount(mountedAt); err != nil {
		// The fusermount helper is unavailable in minimal environments;
		// fall back to a plain umount.
		if uerr := unix.Unmount(mountedAt, 0); uerr != nil {
			return fmt.Errorf("failed to unmount hookfs at %s: %v (fallback: %v)",
				mountedAt, err, uerr)
		}
	}

	return nil
}

// Close releases the kernel connection and the backing fd. Safe to call
// after a failed mount.
func (s *Server) Close() {

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			logrus.Warnf("closing fuse connection: %v", err)
		}
		s.conn = nil

		if s.serveErr != nil {
			if err := <-s.serveErr; err != nil {
				logrus.Warnf("fuse serve loop: %v", err)
			}
			s.serveErr = nil
		}
	}

	if s.rootFd >= 0 {
		if err := unix.Close(s.rootFd); err != nil {
			logrus.Warnf("closing backing dir fd: %v", err)
		}
		s.rootFd = -1
	}
}
