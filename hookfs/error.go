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

package hookfs

import (
	"os"
	"syscall"

	"bazil.org/fuse"
)

// IOerror carries an errno across the FUSE boundary. By implementing the
// fuse.ErrorNumber interface we can return I/O errors back to the FUSE
// library without it collapsing everything to EIO.
type IOerror struct {
	RcvError error
	Code     syscall.Errno
	Message  string
}

func (e IOerror) Error() string {
	return e.Message
}

// Method requested by fuse.ErrorNumber interface.
func (e IOerror) Errno() fuse.Errno {
	return fuse.Errno(e.Code)
}

// errnoFromErr maps the error flavors produced by I/O ops to an IOerror.
func errnoFromErr(err error) error {

	if err == nil {
		return nil
	}

	var errcode syscall.Errno

	switch v := err.(type) {
	case *os.PathError:
		if code, ok := v.Err.(syscall.Errno); ok {
			errcode = code
		} else {
			errcode = syscall.EIO
		}

	case *os.SyscallError:
		if code, ok := v.Err.(syscall.Errno); ok {
			errcode = code
		} else {
			errcode = syscall.EIO
		}

	case syscall.Errno:
		errcode = v

	default:
		errcode = syscall.EIO
	}

	return IOerror{RcvError: err, Code: errcode, Message: err.Error()}
}
