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

package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// signalToken is the fixed message written into the self-pipe per caught
// signal. Its only purpose is to wake the supervisor; the content never
// varies.
var signalToken = []byte("SIGNAL")

// signalPipe is a self-pipe: termination requests (signals, RPC teardown)
// write a token into it, and the supervisor's main loop blocks reading it.
// The write side is safe from any goroutine; writes beyond the first are
// absorbed harmlessly since the supervisor only ever reads one token.
type signalPipe struct {
	r *os.File
	w *os.File
}

func newSignalPipe() (*signalPipe, error) {

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create signal pipe: %w", err)
	}

	return &signalPipe{r: r, w: w}, nil
}

// trigger requests supervisor wake-up. Never blocks in practice: the tokens
// are tiny against the pipe buffer, and redundant triggers are by design
// ignored by the reader.
func (p *signalPipe) trigger() {
	if _, err := p.w.Write(signalToken); err != nil {
		logrus.Errorf("signal pipe write: %v", err)
	}
}

// wait blocks until one token arrives.
func (p *signalPipe) wait() error {

	buf := make([]byte, len(signalToken))

	if _, err := io.ReadFull(p.r, buf); err != nil {
		return fmt.Errorf("failed to read signal pipe: %w", err)
	}

	return nil
}

//
// The process-global pipe is an initialize-once cell, set before the signal
// routing is installed and never mutated thereafter.
//
var (
	installOnce sync.Once
	globalPipe  *signalPipe
	installErr  error
)

// installSignalPipe creates the process-global self-pipe and routes SIGINT
// and SIGTERM into it. Subsequent calls return the same pipe.
func installSignalPipe() (*signalPipe, error) {

	installOnce.Do(func() {
		globalPipe, installErr = newSignalPipe()
		if installErr != nil {
			return
		}

		sigChan := make(chan os.Signal, 2)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			for s := range sigChan {
				logrus.Warnf("caught signal: %s", s)
				globalPipe.trigger()
			}
		}()
	})

	return globalPipe, installErr
}

// TriggerTeardown wakes the supervisor as if a termination signal arrived.
// It is the teardown capability handed to the RPC worker.
func TriggerTeardown() {

	if globalPipe == nil {
		logrus.Error("teardown requested before signal pipe installation")
		return
	}

	globalPipe.trigger()
}
